// Package core wires the capture worker, frame bus, detector, tracker and
// emitter into one service with a single run/shutdown lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lunovian/hazard-label-detection/internal/capture"
	"github.com/lunovian/hazard-label-detection/internal/config"
	"github.com/lunovian/hazard-label-detection/internal/detect"
	"github.com/lunovian/hazard-label-detection/internal/emitter"
	"github.com/lunovian/hazard-label-detection/internal/framebus"
	"github.com/lunovian/hazard-label-detection/internal/track"
	"github.com/lunovian/hazard-label-detection/internal/types"
)

const (
	frameBufferSize   = 10
	statsLogInterval  = 10 * time.Second
	detectorSubscribe = "detector"
)

// Service is the main orchestrator
type Service struct {
	cfg *config.Config
	log *slog.Logger

	manager  *capture.Manager
	events   *capture.ChannelEvents
	bus      *framebus.Bus
	detector Inferencer
	tracker  *track.Tracker
	emitter  Publisher
	model    string

	mu        sync.RWMutex
	started   time.Time
	isRunning bool
	connected bool
	wg        sync.WaitGroup

	inferences   atomic.Uint64
	detectErrors atomic.Uint64
}

// New creates a service from a configuration file path
func New(configPath string, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	log.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"site_id", cfg.SiteID,
	)

	detector, err := detect.New(detect.Config{
		ModelPath:     cfg.Detector.ModelPath,
		ClassesPath:   cfg.Detector.ClassesPath,
		InputSize:     cfg.Detector.InputSize,
		ConfThreshold: float32(cfg.Detector.Confidence),
		NMSThreshold:  float32(cfg.Detector.NMS),
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "creating detector")
	}

	em := emitter.New(cfg.MQTT, cfg.InstanceID, log)
	return newService(cfg, detector, em, nil, log), nil
}

// newService assembles the pipeline from ready components. The opener is nil
// in production (the capture package picks its OpenCV backend); tests inject
// a fake.
func newService(cfg *config.Config, detector Inferencer, pub Publisher, opener capture.Opener, log *slog.Logger) *Service {
	events := capture.NewChannelEvents(frameBufferSize)
	captureCfg := capture.Config{
		ConnectTimeout: time.Duration(cfg.Camera.ConnectTimeoutS) * time.Second,
		FrameTimeout:   time.Duration(cfg.Camera.FrameTimeoutS * float64(time.Second)),
		MaxRetries:     cfg.Camera.MaxRetries,
		RetryDelay:     time.Duration(cfg.Camera.RetryDelayS * float64(time.Second)),
	}
	if w := cfg.Camera.ProgressWeights; !w.IsZero() {
		captureCfg.Weights = capture.StageWeights{
			Prepare:    w.Prepare,
			Open:       w.Open,
			Configure:  w.Configure,
			FirstFrame: w.FirstFrame,
		}
	}

	return &Service{
		cfg:      cfg,
		log:      log,
		manager:  capture.NewManager(captureCfg, opener, events, log),
		events:   events,
		bus:      framebus.New(),
		detector: detector,
		tracker: track.New(track.Config{
			MinConfidence: cfg.Tracker.MinConfidence,
			ChosenLabels:  cfg.Tracker.ChosenLabels,
			LostTTL:       cfg.Tracker.LostTTL,
		}, log),
		emitter: pub,
		model:   filepath.Base(cfg.Detector.ModelPath),
	}
}

// Run starts all components and blocks until the context is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.emitter.Connect(ctx); err != nil {
		return errors.Wrap(err, "connecting mqtt")
	}

	receiver, err := s.bus.SubscribeLatest(detectorSubscribe)
	if err != nil {
		return errors.Wrap(err, "subscribing detector")
	}

	backend, err := capture.ParseBackend(s.cfg.Camera.Backend)
	if err != nil {
		return errors.Wrap(err, "resolving camera backend")
	}
	s.manager.Start(capture.Request{
		Source: capture.Source{
			DeviceID: s.cfg.Camera.DeviceID,
			Path:     s.cfg.Camera.Path,
		},
		Width:   s.cfg.Camera.Width,
		Height:  s.cfg.Camera.Height,
		FPS:     s.cfg.Camera.FPS,
		Backend: backend,
	})

	// The bus close on cancellation wakes the blocked detection loop.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.bus.Close()
	}()

	s.wg.Add(1)
	go s.pumpFrames(ctx)
	s.wg.Add(1)
	go s.pumpStatus(ctx)
	s.wg.Add(1)
	go s.detectLoop(ctx, receiver)
	s.wg.Add(1)
	go s.statsLoop(ctx)

	s.log.Info("service running",
		"instance_id", s.cfg.InstanceID,
		"source", s.cfg.Camera.Path,
		"device", s.cfg.Camera.DeviceID,
	)

	<-ctx.Done()
	s.log.Info("service run loop exiting")
	return nil
}

// Shutdown stops all components in dependency order. Bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	s.log.Info("shutting down")

	// Stop the frame source first, then the distribution, then the sinks.
	s.manager.Stop()
	s.bus.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown timed out waiting for pipeline goroutines")
	}

	s.emitter.Disconnect()
	if err := s.detector.Close(); err != nil {
		s.log.Error("error closing detector", "error", err)
	}
	s.log.Info("service stopped")
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown bound
func (s *Service) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// HealthAddr returns the configured health endpoint address, if any
func (s *Service) HealthAddr() string {
	return s.cfg.Health.Addr
}

// pumpFrames moves frames from the capture worker onto the bus
func (s *Service) pumpFrames(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.events.Frames():
			s.bus.Publish(frame)
		}
	}
}

// pumpStatus logs worker lifecycle events and tracks connectivity
func (s *Service) pumpStatus(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events.Status():
			switch ev.Kind {
			case capture.KindStatus:
				s.log.Info("camera status", "message", ev.Message)
			case capture.KindProgress:
				s.log.Debug("camera progress", "percent", ev.Percent)
			case capture.KindConnected:
				s.mu.Lock()
				s.connected = ev.Connected
				s.mu.Unlock()
				s.log.Info("camera connectivity changed", "connected", ev.Connected)
			case capture.KindError:
				s.log.Error("camera error", "message", ev.Message)
			}
		}
	}
}

// detectLoop consumes the latest frame, runs detection and tracking, and
// publishes any labeled results. Rate-capped by max_inference_rate_hz.
func (s *Service) detectLoop(ctx context.Context, receiver framebus.Receiver) {
	defer s.wg.Done()

	var minInterval time.Duration
	if rate := s.cfg.Detector.MaxInferenceRateHz; rate > 0 {
		minInterval = time.Duration(float64(time.Second) / rate)
	}

	for {
		frame, ok := receiver.Receive()
		if !ok {
			return
		}
		start := time.Now()

		dets, err := s.detector.Detect(frame)
		if err != nil {
			s.detectErrors.Add(1)
			s.log.Error("detection failed", "error", err, "frame_seq", frame.Seq, "trace_id", frame.TraceID)
			continue
		}

		current, fresh, err := s.tracker.Update(dets)
		if err != nil {
			s.detectErrors.Add(1)
			s.log.Error("tracking failed", "error", err, "frame_seq", frame.Seq)
			continue
		}

		if len(current) > 0 {
			s.publishDetection(frame, current, time.Since(start))
		}
		if len(fresh) > 0 {
			s.log.Info("new hazard labels detected",
				"count", len(fresh),
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
			)
		}

		if minInterval > 0 {
			if remaining := minInterval - time.Since(start); remaining > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(remaining):
				}
			}
		}
	}
}

func (s *Service) publishDetection(frame types.Frame, current []track.Tracked, elapsed time.Duration) {
	msg := types.NewHazardLabelDetection(time.Now())
	msg.InstanceID = s.cfg.InstanceID
	msg.Source = frame.Source
	msg.Model = s.model
	msg.FrameSeq = frame.Seq
	msg.TraceID = frame.TraceID
	msg.Labels = make([]types.LabelBox, 0, len(current))
	for _, tr := range current {
		msg.Labels = append(msg.Labels, tr.ToLabelBox())
	}
	msg.Metadata = types.InferenceMetadata{
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		FrameWidth:       frame.Width,
		FrameHeight:      frame.Height,
		ModelInputSize:   s.cfg.Detector.InputSize,
	}

	if err := s.emitter.Publish(msg); err != nil {
		s.log.Error("publish failed", "error", err, "frame_seq", frame.Seq)
		return
	}
	s.inferences.Add(1)
}

// statsLoop periodically logs pipeline statistics and publishes health
func (s *Service) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			capStats := s.manager.Stats()
			busStats, _ := s.bus.Stats(detectorSubscribe)
			emStats := s.emitter.Stats()
			s.log.Info("pipeline stats",
				"frames", capStats.FrameCount,
				"fps", fmt.Sprintf("%.2f", capStats.FPSReal),
				"reconnects", capStats.Reconnects,
				"resolution", capStats.Resolution,
				"frames_dropped", s.events.Dropped()+busStats.Dropped,
				"inferences", s.inferences.Load(),
				"detect_errors", s.detectErrors.Load(),
				"mqtt_connected", emStats.Connected,
				"mqtt_errors", emStats.Errors,
			)
			s.publishHealth()
		}
	}
}

func (s *Service) publishHealth() {
	payload, err := s.HealthCheck().toJSON()
	if err != nil {
		s.log.Error("marshaling health", "error", err)
		return
	}
	if err := s.emitter.PublishHealth(payload); err != nil {
		s.log.Debug("health publish failed", "error", err)
	}
}
