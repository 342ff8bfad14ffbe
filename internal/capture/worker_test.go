package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunovian/hazard-label-detection/internal/types"
)

// testConfig keeps the state machine timings short enough for unit tests
func testConfig() Config {
	return Config{
		ConnectTimeout:  200 * time.Millisecond,
		FrameTimeout:    100 * time.Millisecond,
		MaxRetries:      2,
		RetryDelay:      10 * time.Millisecond,
		MaxFrameRetries: 3,
		ReadRetryDelay:  5 * time.Millisecond,
		StopGracePeriod: 300 * time.Millisecond,
	}
}

func testRequest() Request {
	return Request{
		Source:  Source{DeviceID: 0},
		Width:   1280,
		Height:  720,
		FPS:     30,
		Backend: BackendAuto,
	}
}

// fakeSession is a scripted capture session. readFn receives the 1-based
// read call number; a nil readFn always succeeds. When blocking is set,
// Read parks until the session is closed.
type fakeSession struct {
	readFn   func(n int) (Payload, bool)
	blocking bool

	reads     atomic.Int32
	closes    atomic.Int32
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeSession(readFn func(n int) (Payload, bool)) *fakeSession {
	return &fakeSession{readFn: readFn, closedCh: make(chan struct{})}
}

func testPayload() Payload {
	return Payload{Data: make([]byte, 12), Width: 2, Height: 2}
}

func (s *fakeSession) Read() (Payload, bool) {
	n := int(s.reads.Add(1))
	if s.blocking {
		<-s.closedCh
		return Payload{}, false
	}
	if s.readFn == nil {
		return testPayload(), true
	}
	return s.readFn(n)
}

func (s *fakeSession) Configure(width, height int, fps float64) {}

func (s *fakeSession) Negotiated() (int, int, float64) { return 640, 480, 30 }

func (s *fakeSession) IsOpened() bool { return s.closes.Load() == 0 }

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closedCh) })
	return nil
}

// fakeOpener hands out scripted sessions in order; once the script runs out
// it keeps returning the last entry's behavior. A nil session entry means
// the open fails.
type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	opens    int
}

func (o *fakeOpener) open(src Source, backend Backend) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	idx := o.opens - 1
	if idx >= len(o.sessions) {
		idx = len(o.sessions) - 1
	}
	if idx < 0 || o.sessions[idx] == nil {
		return nil, errors.New("no such device")
	}
	return o.sessions[idx], nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// recordedEvents collects every event for later assertions
type recordedEvents struct {
	mu        sync.Mutex
	frames    []types.Frame
	statuses  []string
	progress  []int
	connected []bool
	errs      []string
}

func (r *recordedEvents) OnFrame(f types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordedEvents) OnStatus(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

func (r *recordedEvents) OnProgress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordedEvents) OnConnected(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, ok)
}

func (r *recordedEvents) OnError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *recordedEvents) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordedEvents) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recordedEvents) connectedEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connected...)
}

func (r *recordedEvents) progressEvents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

func (r *recordedEvents) lastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return ""
	}
	return r.errs[len(r.errs)-1]
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerMalformedRequest(t *testing.T) {
	opener := &fakeOpener{}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	w.Start(Request{Source: Source{DeviceID: -1}})

	waitFor(t, time.Second, "error event", func() bool { return rec.errorCount() == 1 })
	if got := rec.connectedEvents(); len(got) != 1 || got[0] {
		t.Errorf("expected single connected(false), got %v", got)
	}
	if opener.openCount() != 0 {
		t.Errorf("opener called %d times for malformed request", opener.openCount())
	}
}

func TestWorkerBoundedRetries(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxRetries = maxRetries
			opener := &fakeOpener{sessions: []*fakeSession{nil}} // always fails
			rec := &recordedEvents{}
			w := NewWorker(cfg, opener.open, rec, nil)

			w.Start(testRequest())
			waitFor(t, 2*time.Second, "terminal error", func() bool {
				return rec.errorCount() == 1
			})

			if got := opener.openCount(); got != maxRetries {
				t.Errorf("open attempts = %d, want %d", got, maxRetries)
			}
			want := fmt.Sprintf("Failed to initialize camera after %d attempts", maxRetries)
			if got := rec.lastError(); got != want {
				t.Errorf("terminal error = %q, want %q", got, want)
			}
			if got := rec.connectedEvents(); len(got) != 1 || got[0] {
				t.Errorf("expected single connected(false), got %v", got)
			}
			resets := 0
			for _, p := range rec.progressEvents() {
				if p == 0 {
					resets++
				}
			}
			if resets < maxRetries {
				t.Errorf("progress resets = %d, want at least %d", resets, maxRetries)
			}
			if rec.frameCount() != 0 {
				t.Errorf("no frames expected, got %d", rec.frameCount())
			}
		})
	}
}

func TestWorkerConnectAndStream(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0 // unthrottled
	w.Start(req)

	waitFor(t, time.Second, "connected(true)", func() bool {
		for _, c := range rec.connectedEvents() {
			if c {
				return true
			}
		}
		return false
	})
	waitFor(t, time.Second, "frames", func() bool { return rec.frameCount() >= 3 })

	w.Stop()
	if sess.closes.Load() != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes.Load())
	}

	// No frames after stop
	n := rec.frameCount()
	time.Sleep(50 * time.Millisecond)
	if rec.frameCount() != n {
		t.Errorf("frames emitted after stop: %d -> %d", n, rec.frameCount())
	}
	if rec.errorCount() != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}

	conns := rec.connectedEvents()
	if len(conns) < 2 || !conns[0] || conns[len(conns)-1] {
		t.Errorf("expected connected true then false, got %v", conns)
	}

	// Frames carry converted payload metadata and trace IDs
	rec.mu.Lock()
	first := rec.frames[0]
	rec.mu.Unlock()
	if first.Width != 2 || first.Height != 2 || first.TraceID == "" || first.Seq != 1 {
		t.Errorf("unexpected first frame meta: %+v", first.Meta())
	}
}

func TestWorkerProgressMonotonic(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, time.Second, "progress 100", func() bool {
		for _, p := range rec.progressEvents() {
			if p == 100 {
				return true
			}
		}
		return false
	})
	w.Stop()

	progress := rec.progressEvents()
	last := -1
	for _, p := range progress {
		if p < last {
			t.Fatalf("progress regressed within attempt: %v", progress)
		}
		last = p
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("progress did not end at 100: %v", progress)
	}
}

func TestWorkerIdempotentStop(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, time.Second, "first frame", func() bool { return rec.frameCount() > 0 })

	w.Stop()
	connsAfterFirst := len(rec.connectedEvents())
	w.Stop()
	w.Stop()

	if sess.closes.Load() != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes.Load())
	}
	if got := len(rec.connectedEvents()); got != connsAfterFirst {
		t.Errorf("duplicate connected events after repeated stop: %d -> %d", connsAfterFirst, got)
	}
	if rec.errorCount() != 0 {
		t.Errorf("stop should not produce errors, got %v", rec.errs)
	}
}

func TestWorkerStopNeverStarted(t *testing.T) {
	w := NewWorker(testConfig(), (&fakeOpener{}).open, &recordedEvents{}, nil)
	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on never-started worker blocked")
	}
}

func TestWorkerInterruptibleThrottle(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	// 1 fps against a 30 fps device: ~1s throttle sleep between frames
	req := testRequest()
	req.FPS = 1
	w.Start(req)
	waitFor(t, time.Second, "first frame", func() bool { return rec.frameCount() > 0 })

	start := time.Now()
	w.Stop()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop during throttle wait took %v, want well under the frame interval", elapsed)
	}
	if sess.closes.Load() != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes.Load())
	}
}

func TestWorkerReadFailuresBelowBudget(t *testing.T) {
	// First read (connect) succeeds, reads 2-3 fail, everything after succeeds.
	sess := newFakeSession(func(n int) (Payload, bool) {
		if n == 2 || n == 3 {
			return Payload{}, false
		}
		return testPayload(), true
	})
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, time.Second, "stream resumed", func() bool { return rec.frameCount() >= 3 })
	w.Stop()

	if rec.errorCount() != 0 {
		t.Errorf("transient read failures surfaced as errors: %v", rec.errs)
	}
	if opener.openCount() != 1 {
		t.Errorf("reopen happened for transient failures: %d opens", opener.openCount())
	}
}

func TestWorkerReadFailureBudgetExhausted(t *testing.T) {
	// Connect succeeds, then every streaming read fails: the loop exits
	// after MaxFrameRetries and the outer retry kicks in. The second open
	// fails, exhausting the retry budget.
	sess := newFakeSession(func(n int) (Payload, bool) {
		if n == 1 {
			return testPayload(), true
		}
		return Payload{}, false
	})
	opener := &fakeOpener{sessions: []*fakeSession{sess, nil}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, 2*time.Second, "terminal error", func() bool {
		return rec.lastError() == "Failed to initialize camera after 2 attempts"
	})

	if opener.openCount() != 2 {
		t.Errorf("open attempts = %d, want 2 (stream exit consumes outer budget)", opener.openCount())
	}
	found := false
	rec.mu.Lock()
	for _, e := range rec.errs {
		if e == "Failed to capture frame after multiple attempts" {
			found = true
		}
	}
	rec.mu.Unlock()
	if !found {
		t.Errorf("missing read-failure error, got %v", rec.errs)
	}
	if sess.closes.Load() != 1 {
		t.Errorf("first session closed %d times, want 1", sess.closes.Load())
	}
}

func TestWorkerFirstFrameTimeoutReopens(t *testing.T) {
	blocked := newFakeSession(nil)
	blocked.blocking = true
	good := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{blocked, good}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, 2*time.Second, "connected after reopen", func() bool {
		for _, c := range rec.connectedEvents() {
			if c {
				return true
			}
		}
		return false
	})
	w.Stop()

	if opener.openCount() != 2 {
		t.Errorf("open attempts = %d, want 2 (in-place reopen)", opener.openCount())
	}
	if blocked.closes.Load() == 0 {
		t.Error("timed-out session never released")
	}
	if rec.errorCount() != 0 {
		t.Errorf("in-place reopen should not surface errors, got %v", rec.errs)
	}
	// The in-place reopen does not consume outer retry budget, so the
	// terminal message never fires.
	if rec.lastError() != "" {
		t.Errorf("unexpected terminal error %q", rec.lastError())
	}
}

func TestWorkerConnectTimeoutCountsAsRetry(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond

	var opens atomic.Int32
	slowOpener := func(src Source, backend Backend) (Session, error) {
		opens.Add(1)
		time.Sleep(200 * time.Millisecond)
		s := newFakeSession(nil)
		return s, nil
	}
	rec := &recordedEvents{}
	w := NewWorker(cfg, slowOpener, rec, nil)

	w.Start(testRequest())
	waitFor(t, 2*time.Second, "terminal error", func() bool {
		return rec.lastError() == "Failed to initialize camera after 2 attempts"
	})
	if got := opens.Load(); got != 2 {
		t.Errorf("open attempts = %d, want 2", got)
	}
}

func TestWorkerStatsWhileStreaming(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, time.Second, "frames", func() bool { return rec.frameCount() >= 5 })

	stats := w.Stats()
	if stats.FrameCount < 5 {
		t.Errorf("stats frame count = %d, want >= 5", stats.FrameCount)
	}
	if !stats.IsConnected {
		t.Error("stats should report connected while streaming")
	}
	if stats.Resolution != "640x480" {
		t.Errorf("stats resolution = %q, want 640x480", stats.Resolution)
	}

	w.Stop()
	if w.Stats().IsConnected {
		t.Error("stats should report disconnected after stop")
	}
}

// connectedAtEmitEvents snapshots Stats().IsConnected at the moment the
// connected(true) event is delivered.
type connectedAtEmitEvents struct {
	recordedEvents
	worker     *Worker
	seenAtEmit atomic.Bool
}

func (e *connectedAtEmitEvents) OnConnected(ok bool) {
	if ok && e.worker != nil {
		e.seenAtEmit.Store(e.worker.Stats().IsConnected)
	}
	e.recordedEvents.OnConnected(ok)
}

func TestWorkerConnectedStateVisibleAtEmit(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &connectedAtEmitEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)
	rec.worker = w

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	waitFor(t, time.Second, "connected event", func() bool {
		return len(rec.connectedEvents()) > 0
	})

	// The connected flag is stored before the event is emitted, so a Stop
	// racing the emit always observes the connection and sends the closing
	// connected(false).
	if !rec.seenAtEmit.Load() {
		t.Error("Stats().IsConnected was false during connected(true) delivery")
	}

	w.Stop()
	got := rec.connectedEvents()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("connected events = %v, want [true false]", got)
	}
}

func TestWorkerStatsConcurrentWithStart(t *testing.T) {
	sess := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{sess}}
	rec := &recordedEvents{}
	w := NewWorker(testConfig(), opener.open, rec, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			w.Stats()
		}
	}()

	req := testRequest()
	req.FPS = 0
	w.Start(req)
	<-done

	waitFor(t, time.Second, "frames", func() bool { return rec.frameCount() > 0 })
	if w.Stats().FrameCount == 0 {
		t.Error("stats frame count = 0 after streaming began")
	}
	w.Stop()
}

func TestManagerStopsPriorSession(t *testing.T) {
	first := newFakeSession(nil)
	second := newFakeSession(nil)
	opener := &fakeOpener{sessions: []*fakeSession{first, second}}
	rec := &recordedEvents{}
	m := NewManager(testConfig(), opener.open, rec, nil)

	req := testRequest()
	req.FPS = 0
	m.Start(req)
	waitFor(t, time.Second, "first session streaming", func() bool { return rec.frameCount() > 0 })

	m.Start(req)
	waitFor(t, time.Second, "second session opened", func() bool { return opener.openCount() == 2 })

	if first.closes.Load() != 1 {
		t.Errorf("prior session closed %d times, want exactly 1 before new open", first.closes.Load())
	}
	m.Stop()
	if second.closes.Load() != 1 {
		t.Errorf("second session closed %d times, want 1", second.closes.Load())
	}
	m.Stop() // idempotent
}
