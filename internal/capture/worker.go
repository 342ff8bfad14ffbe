package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lunovian/hazard-label-detection/internal/types"
)

// Config holds the tunables of one acquisition worker. The zero value is
// usable; withDefaults fills in the standard timeouts and retry limits.
type Config struct {
	// ConnectTimeout bounds the device open call of one attempt
	ConnectTimeout time.Duration
	// FrameTimeout bounds a single frame read
	FrameTimeout time.Duration
	// MaxRetries bounds full restarts of the connect sequence
	MaxRetries int
	// RetryDelay is the fixed delay between connect attempts
	RetryDelay time.Duration
	// MaxFrameRetries bounds consecutive per-frame read failures while
	// streaming before the cycle is handed back to the outer retry loop
	MaxFrameRetries int
	// ReadRetryDelay is the pause between consecutive read retries
	ReadRetryDelay time.Duration
	// StopGracePeriod bounds how long Stop waits for the worker goroutine
	// before force-releasing the session
	StopGracePeriod time.Duration
	// Weights are the per-stage progress contributions; they sum to 100
	Weights StageWeights
}

// StageWeights are the fixed percentage contributions of the connect stages
type StageWeights struct {
	Prepare    int
	Open       int
	Configure  int
	FirstFrame int
}

func defaultWeights() StageWeights {
	return StageWeights{Prepare: 10, Open: 30, Configure: 20, FirstFrame: 40}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxFrameRetries <= 0 {
		c.MaxFrameRetries = 3
	}
	if c.ReadRetryDelay <= 0 {
		c.ReadRetryDelay = 100 * time.Millisecond
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 2 * time.Second
	}
	if c.Weights == (StageWeights{}) {
		c.Weights = defaultWeights()
	}
	return c
}

// Stats contains current acquisition statistics
type Stats struct {
	FrameCount  uint64
	Reconnects  uint32
	FPSReal     float64
	LatencyMS   int64
	Resolution  string
	IsConnected bool
}

// Worker acquires frames from one capture source on a dedicated goroutine,
// isolating the consumer from blocking I/O and device flakiness. Connection
// lifecycle and errors surface as events, never as panics or synchronous
// errors on the consumer goroutine.
//
// A Worker runs at most one session over its lifetime; start a new Worker
// for a new request (the Manager takes care of stopping the previous one).
type Worker struct {
	cfg    Config
	opener Opener
	events Events
	log    *slog.Logger

	mu      sync.Mutex
	session Session
	started bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}

	// Streaming state
	backend   Backend
	throttle  time.Duration
	seq       uint64
	connected atomic.Bool

	// Statistics
	frameCount  atomic.Uint64
	reconnects  atomic.Uint32
	startedAt   time.Time
	lastFrameMu sync.Mutex
	lastFrameAt time.Time
	resolution  string
}

// NewWorker creates a worker. A nil opener uses the OpenCV backend; a nil
// events sink discards all events.
func NewWorker(cfg Config, opener Opener, events Events, log *slog.Logger) *Worker {
	if opener == nil {
		opener = OpenCV
	}
	if events == nil {
		events = NopEvents{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:    cfg.withDefaults(),
		opener: opener,
		events: events,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the connect sequence asynchronously and returns immediately.
// Success or failure is reported through events, not the return value; a
// malformed request produces an error/connected(false) pair without ever
// starting the sequence.
func (w *Worker) Start(req Request) {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	if !req.Source.valid() {
		w.mu.Unlock()
		w.events.OnError("No camera available")
		w.events.OnConnected(false)
		return
	}
	w.started = true
	w.startedAt = time.Now()
	w.mu.Unlock()

	w.backend = resolveBackend(req.Backend)
	w.log.Info("starting capture worker",
		"source", req.Source.String(),
		"resolution", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"fps", req.FPS,
		"backend", w.backend.String(),
	)
	go w.run(req)
}

// Stop requests cooperative termination and waits for the worker goroutine
// within the configured grace period. If the goroutine does not exit in time
// (a wedged native call), the session is force-released and Stop waits one
// more grace period. The session is released on every path. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	wasConnected := w.connected.Load()
	close(w.stopCh)

	if started {
		select {
		case <-w.doneCh:
		case <-time.After(w.cfg.StopGracePeriod):
			w.log.Warn("capture worker did not stop in time, forcing session release")
			w.releaseSession()
			select {
			case <-w.doneCh:
			case <-time.After(w.cfg.StopGracePeriod):
				w.log.Error("capture worker still wedged after forced release")
			}
		}
	}
	w.releaseSession()
	if w.connected.Swap(false) || wasConnected {
		w.events.OnConnected(false)
	}
}

// Stats returns current acquisition statistics. Safe from any goroutine.
func (w *Worker) Stats() Stats {
	frames := w.frameCount.Load()
	w.mu.Lock()
	startedAt := w.startedAt
	w.mu.Unlock()
	var fpsReal float64
	if !startedAt.IsZero() {
		if uptime := time.Since(startedAt).Seconds(); uptime > 0 {
			fpsReal = float64(frames) / uptime
		}
	}
	w.lastFrameMu.Lock()
	var latency int64
	if !w.lastFrameAt.IsZero() {
		latency = time.Since(w.lastFrameAt).Milliseconds()
	}
	res := w.resolution
	w.lastFrameMu.Unlock()

	return Stats{
		FrameCount:  frames,
		Reconnects:  w.reconnects.Load(),
		FPSReal:     fpsReal,
		LatencyMS:   latency,
		Resolution:  res,
		IsConnected: w.connected.Load(),
	}
}

// run is the worker goroutine: a bounded outer retry loop around the staged
// connect sequence and the continuous read loop. A streaming exit caused by
// persistent read failures is fed back into the same retry counter as a
// connect-time failure.
func (w *Worker) run(req Request) {
	defer close(w.doneCh)
	defer w.releaseSession()

	attempt := 0
	for attempt < w.cfg.MaxRetries && !w.stopRequested() {
		err := w.connect(req)
		if err == nil {
			err = w.stream(req)
		}
		w.releaseSession()
		if w.connected.Swap(false) && !w.stopRequested() {
			w.events.OnConnected(false)
		}
		if w.stopRequested() || err == errStopRequested {
			return
		}

		attempt++
		w.log.Error("capture cycle failed",
			"source", req.Source.String(),
			"attempt", attempt,
			"max_retries", w.cfg.MaxRetries,
			"error", err,
		)
		if attempt >= w.cfg.MaxRetries {
			break
		}
		w.events.OnStatus(fmt.Sprintf("Camera error, retrying (%d/%d)...", attempt, w.cfg.MaxRetries))
		w.events.OnProgress(0)
		if !w.waitInterruptible(w.cfg.RetryDelay) {
			return
		}
	}

	if !w.stopRequested() {
		w.events.OnError(fmt.Sprintf("Failed to initialize camera after %d attempts", w.cfg.MaxRetries))
		w.events.OnConnected(false)
	}
}

// connect runs one Preparing -> Opening -> Configuring -> AwaitingFirstFrame
// -> Ready cycle. Any failure or timeout aborts the cycle; the caller owns
// the retry budget.
func (w *Worker) connect(req Request) error {
	start := time.Now()
	weights := w.cfg.Weights

	// Preparing
	w.events.OnProgress(0)
	w.events.OnStatus(fmt.Sprintf("Preparing to connect to %s...", req.Source))
	progress := weights.Prepare
	w.events.OnProgress(progress)
	prepared := time.Now()

	// Opening, bounded by the connect timeout
	w.events.OnStatus(fmt.Sprintf("Opening %s...", req.Source))
	sess, err := w.openWithTimeout(req.Source, w.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	w.setSession(sess)
	progress += weights.Open
	w.events.OnProgress(progress)
	opened := time.Now()

	// Configuring, best effort: failures to honor exact values are not
	// fatal, the negotiated values are read back and reported.
	w.events.OnStatus(fmt.Sprintf("Configuring %s...", req.Source))
	sess.Configure(req.Width, req.Height, req.FPS)
	actualW, actualH, actualFPS := sess.Negotiated()
	progress += weights.Configure
	w.events.OnProgress(progress)
	configured := time.Now()

	// AwaitingFirstFrame, bounded by the frame timeout with one in-place
	// reopen as recovery before the cycle is declared failed.
	w.events.OnStatus("Getting first frame...")
	if _, ok, timedOut := w.readWithTimeout(sess, w.cfg.FrameTimeout); !ok {
		if !timedOut {
			return ErrFirstFrame
		}
		w.log.Warn("first frame timed out, reopening session", "source", req.Source.String())
		sess, err = w.reopenSession(req.Source)
		if err != nil {
			return err
		}
		sess.Configure(req.Width, req.Height, req.FPS)
		if _, ok, _ := w.readWithTimeout(sess, w.cfg.FrameTimeout); !ok {
			return ErrFirstFrame
		}
	}

	// Ready
	w.events.OnProgress(100)
	// Store before emitting so a concurrent Stop always observes the
	// connection and emits the closing connected(false).
	w.connected.Store(true)
	w.events.OnConnected(true)
	w.events.OnStatus(fmt.Sprintf("Camera ready: %dx%d @ %.1ffps", actualW, actualH, actualFPS))

	w.lastFrameMu.Lock()
	w.resolution = fmt.Sprintf("%dx%d", actualW, actualH)
	w.lastFrameMu.Unlock()

	// Throttle only when the requested rate is below what the device does
	w.throttle = 0
	if req.FPS > 0 && (actualFPS <= 0 || req.FPS < actualFPS) {
		w.throttle = time.Duration(float64(time.Second) / req.FPS)
	}

	w.log.Info("camera initialized",
		"source", req.Source.String(),
		"resolution", fmt.Sprintf("%dx%d", actualW, actualH),
		"fps", actualFPS,
		"prepare", prepared.Sub(start),
		"open", opened.Sub(prepared),
		"configure", configured.Sub(opened),
		"first_frame", time.Since(configured),
		"total", time.Since(start),
	)
	return nil
}

// stream is the continuous read loop. A read timeout triggers an in-place
// reopen without consuming retry budget; consecutive read failures beyond
// MaxFrameRetries end the loop and hand control back to the outer retry.
// Returns nil only when stop was requested.
func (w *Worker) stream(req Request) error {
	readFailures := 0
	for !w.stopRequested() {
		iterStart := time.Now()

		sess := w.currentSession()
		if sess == nil || !sess.IsOpened() {
			w.events.OnError("Camera disconnected")
			return ErrDisconnected
		}

		payload, ok, timedOut := w.readWithTimeout(sess, w.cfg.FrameTimeout)
		if timedOut {
			// Soft recovery: release and reopen in place, keep streaming.
			w.log.Warn("frame read timed out, reopening session", "source", req.Source.String())
			sess, err := w.reopenSession(req.Source)
			if err != nil {
				w.events.OnError("Camera disconnected")
				return ErrDisconnected
			}
			sess.Configure(req.Width, req.Height, req.FPS)
			continue
		}
		if !ok {
			readFailures++
			w.log.Warn("failed to read frame",
				"attempt", readFailures,
				"max_attempts", w.cfg.MaxFrameRetries,
			)
			if readFailures >= w.cfg.MaxFrameRetries {
				w.events.OnError("Failed to capture frame after multiple attempts")
				return ErrReadFailed
			}
			if !w.waitInterruptible(w.cfg.ReadRetryDelay) {
				return nil
			}
			continue
		}
		readFailures = 0

		w.seq++
		now := time.Now()
		w.frameCount.Add(1)
		w.lastFrameMu.Lock()
		w.lastFrameAt = now
		w.lastFrameMu.Unlock()

		w.events.OnFrame(types.Frame{
			Seq:       w.seq,
			Timestamp: now,
			Width:     payload.Width,
			Height:    payload.Height,
			Data:      payload.Data,
			Source:    req.Source.String(),
			TraceID:   uuid.NewString(),
		})

		if w.throttle > 0 {
			if remaining := w.throttle - time.Since(iterStart); remaining > 0 {
				if !w.waitInterruptible(remaining) {
					return nil
				}
			}
		}
	}
	return nil
}

type openResult struct {
	sess Session
	err  error
}

// openWithTimeout runs the opener concurrently with the connect timeout.
// When the timeout or a stop wins the race, the eventual session from the
// abandoned open is drained and released so no handle leaks.
func (w *Worker) openWithTimeout(src Source, timeout time.Duration) (Session, error) {
	resCh := make(chan openResult, 1)
	go func() {
		sess, err := w.opener(src, w.backend)
		resCh <- openResult{sess, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s", ErrOpenFailed, res.err)
		}
		if res.sess == nil || !res.sess.IsOpened() {
			if res.sess != nil {
				res.sess.Close()
			}
			return nil, ErrOpenFailed
		}
		return res.sess, nil
	case <-timer.C:
		go drainOpen(resCh)
		w.log.Error("camera connection timeout", "source", src.String(), "timeout", timeout)
		return nil, ErrConnectTimeout
	case <-w.stopCh:
		go drainOpen(resCh)
		return nil, errStopRequested
	}
}

func drainOpen(resCh chan openResult) {
	if res := <-resCh; res.sess != nil {
		res.sess.Close()
	}
}

// readWithTimeout performs one read, bounded by the frame timeout. The
// timeout fires without releasing the session; the caller decides whether
// the recovery is a soft reopen or a cycle failure. The abandoned read
// result is drained in the background so the reader goroutine can exit.
func (w *Worker) readWithTimeout(sess Session, timeout time.Duration) (Payload, bool, bool) {
	type result struct {
		payload Payload
		ok      bool
	}
	resCh := make(chan result, 1)
	go func() {
		p, ok := sess.Read()
		resCh <- result{p, ok}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.payload, res.ok, false
	case <-timer.C:
		return Payload{}, false, true
	case <-w.stopCh:
		return Payload{}, false, false
	}
}

// reopenSession releases the current session and opens a fresh one in place.
// Counted as a reconnect in the statistics, not against the retry budget.
func (w *Worker) reopenSession(src Source) (Session, error) {
	w.releaseSession()
	w.reconnects.Add(1)
	sess, err := w.opener(src, w.backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}
	if !sess.IsOpened() {
		sess.Close()
		return nil, ErrOpenFailed
	}
	w.setSession(sess)
	return sess, nil
}

func (w *Worker) setSession(s Session) {
	w.mu.Lock()
	w.session = s
	w.mu.Unlock()
}

func (w *Worker) currentSession() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// releaseSession closes and clears the current session. Idempotent: the
// session slot is nilled under the lock so a second release is a no-op.
func (w *Worker) releaseSession() {
	w.mu.Lock()
	sess := w.session
	w.session = nil
	w.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			w.log.Error("error releasing camera", "error", err)
		}
	}
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// waitInterruptible sleeps for d unless a stop request cuts it short.
// Returns false when interrupted.
func (w *Worker) waitInterruptible(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	}
}
