package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the health snapshot exposed over HTTP and MQTT
type HealthStatus struct {
	Status          string  `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds   int64   `json:"uptime_seconds"`
	CameraConnected bool    `json:"camera_connected"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	FramesCaptured  uint64  `json:"frames_captured"`
	FramesDropped   uint64  `json:"frames_dropped"`
	CaptureFPS      float64 `json:"capture_fps"`
	Reconnects      uint32  `json:"reconnects"`
	Inferences      uint64  `json:"inferences"`
	DetectErrors    uint64  `json:"detect_errors"`
}

func (h HealthStatus) toJSON() ([]byte, error) {
	return json.Marshal(h)
}

// HealthCheck returns the current health status
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	connected := s.connected
	started := s.started
	s.mu.RUnlock()

	capStats := s.manager.Stats()
	emStats := s.emitter.Stats()

	status := HealthStatus{
		Status:          "healthy",
		CameraConnected: connected,
		MQTTConnected:   emStats.Connected,
		FramesCaptured:  capStats.FrameCount,
		FramesDropped:   s.events.Dropped(),
		CaptureFPS:      capStats.FPSReal,
		Reconnects:      capStats.Reconnects,
		Inferences:      s.inferences.Load(),
		DetectErrors:    s.detectErrors.Load(),
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if !running {
		status.Status = "unhealthy"
	} else if !connected || !emStats.Connected {
		status.Status = "degraded"
	}
	return status
}

// livenessHandler answers /health: alive as long as the process serves it
func (s *Service) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readinessHandler answers /readiness with the full health snapshot
func (s *Service) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer serves /health and /readiness on addr. Non-blocking;
// returns the server so the caller can shut it down.
func (s *Service) StartHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("starting health server", "addr", addr, "endpoints", []string{"/health", "/readiness"})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server failed", "error", err)
		}
	}()
	return srv
}

// StopHealthServer shuts the health server down within the context bound
func StopHealthServer(ctx context.Context, srv *http.Server) {
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
}
