package core

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunovian/hazard-label-detection/internal/capture"
	"github.com/lunovian/hazard-label-detection/internal/config"
	"github.com/lunovian/hazard-label-detection/internal/detect"
	"github.com/lunovian/hazard-label-detection/internal/emitter"
	"github.com/lunovian/hazard-label-detection/internal/types"
)

type stubSession struct {
	reads  atomic.Int32
	closes atomic.Int32
}

func (s *stubSession) Read() (capture.Payload, bool) {
	s.reads.Add(1)
	time.Sleep(2 * time.Millisecond)
	return capture.Payload{Data: make([]byte, 2*2*3), Width: 2, Height: 2}, true
}
func (s *stubSession) Configure(int, int, float64) {}

func (s *stubSession) Negotiated() (int, int, float64) { return 2, 2, 30 }

func (s *stubSession) IsOpened() bool { return s.closes.Load() == 0 }

func (s *stubSession) Close() error { s.closes.Add(1); return nil }

type stubInferencer struct {
	dets   []detect.Detection
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *stubInferencer) Detect(types.Frame) ([]detect.Detection, error) {
	f.calls.Add(1)
	return f.dets, nil
}

func (f *stubInferencer) Close() error {
	f.closed.Store(true)
	return nil
}

type stubPublisher struct {
	mu         sync.Mutex
	inferences []types.Inference
	health     int
	connected  bool
}

func (p *stubPublisher) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *stubPublisher) Publish(inf types.Inference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inferences = append(p.inferences, inf)
	return nil
}

func (p *stubPublisher) PublishHealth([]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health++
	return nil
}

func (p *stubPublisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

func (p *stubPublisher) Stats() emitter.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return emitter.Stats{Connected: p.connected}
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inferences)
}

func (p *stubPublisher) first() types.Inference {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inferences) == 0 {
		return nil
	}
	return p.inferences[0]
}

func testConfig() *config.Config {
	cfg := &config.Config{
		InstanceID: "test-station-1",
		SiteID:     "test-site",
		Camera: config.CameraConfig{
			DeviceID:        0,
			Width:           2,
			Height:          2,
			ConnectTimeoutS: 1,
			FrameTimeoutS:   0.5,
			MaxRetries:      2,
			RetryDelayS:     0.05,
		},
		Detector: config.DetectorConfig{
			ModelPath:   "models/hazmat.onnx",
			ClassesPath: "models/hazmat.txt",
			InputSize:   640,
		},
		MQTT: config.MQTTConfig{Broker: "localhost:1883"},
	}
	cfg.ShutdownTimeoutS = 2
	return cfg
}

func TestServicePipelineEndToEnd(t *testing.T) {
	sess := &stubSession{}
	opener := func(capture.Source, capture.Backend) (capture.Session, error) {
		return sess, nil
	}
	inferencer := &stubInferencer{dets: []detect.Detection{
		{Box: image.Rect(0, 0, 2, 2), Score: 0.9, ClassID: 0, Label: "flammable"},
	}}
	pub := &stubPublisher{}

	svc := newService(testConfig(), inferencer, pub, opener, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() == 0 {
		t.Fatal("no inference published")
	}

	inf := pub.first()
	det, ok := inf.(*types.HazardLabelDetection)
	if !ok {
		t.Fatalf("published %T, want *types.HazardLabelDetection", inf)
	}
	if det.InstanceID != "test-station-1" {
		t.Errorf("InstanceID = %q", det.InstanceID)
	}
	if det.Model != "hazmat.onnx" {
		t.Errorf("Model = %q", det.Model)
	}
	if det.FrameSeq == 0 || det.TraceID == "" {
		t.Errorf("frame provenance missing: seq %d trace %q", det.FrameSeq, det.TraceID)
	}
	if len(det.Labels) != 1 {
		t.Fatalf("labels = %v", det.Labels)
	}
	if det.Labels[0].Class != "flammable" || det.Labels[0].TrackID != "flammable_0" {
		t.Errorf("label = %+v", det.Labels[0])
	}
	if det.Metadata.FrameWidth != 2 || det.Metadata.ModelInputSize != 640 {
		t.Errorf("metadata = %+v", det.Metadata)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if sess.closes.Load() == 0 {
		t.Error("camera session not released on shutdown")
	}
	if !inferencer.closed.Load() {
		t.Error("detector not closed on shutdown")
	}
	if pub.connected {
		t.Error("emitter still connected after shutdown")
	}
}

func TestServiceRunTwice(t *testing.T) {
	sess := &stubSession{}
	opener := func(capture.Source, capture.Backend) (capture.Session, error) { return sess, nil }
	svc := newService(testConfig(), &stubInferencer{}, &stubPublisher{}, opener, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := svc.Run(ctx); err == nil {
		t.Error("second Run should fail while running")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	svc.Shutdown(shutdownCtx)
}

func TestServiceHealthStates(t *testing.T) {
	sess := &stubSession{}
	opener := func(capture.Source, capture.Backend) (capture.Session, error) { return sess, nil }
	pub := &stubPublisher{}
	svc := newService(testConfig(), &stubInferencer{}, pub, opener, nil)

	if got := svc.HealthCheck().Status; got != "unhealthy" {
		t.Errorf("status before run = %q, want unhealthy", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h := svc.HealthCheck()
		if h.Status == "healthy" && h.CameraConnected && h.MQTTConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h := svc.HealthCheck()
	if h.Status != "healthy" {
		t.Errorf("running health = %+v, want healthy", h)
	}
	if h.FramesCaptured == 0 {
		t.Error("no frames recorded in health snapshot")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	svc.Shutdown(shutdownCtx)

	if got := svc.HealthCheck().Status; got != "unhealthy" {
		t.Errorf("status after shutdown = %q, want unhealthy", got)
	}
}
