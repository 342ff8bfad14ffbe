package capture

import (
	"log/slog"
	"sync"
)

// Manager owns at most one active acquisition worker. Starting a new capture
// while one is active first fully stops and releases the prior session;
// sessions are never pooled or reused across requests.
type Manager struct {
	cfg    Config
	opener Opener
	events Events
	log    *slog.Logger

	mu     sync.Mutex
	worker *Worker
}

// NewManager creates a manager. Nil opener/events defaults match NewWorker.
func NewManager(cfg Config, opener Opener, events Events, log *slog.Logger) *Manager {
	if events == nil {
		events = NopEvents{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, opener: opener, events: events, log: log}
}

// Start stops any active worker, then starts a fresh one for the request.
func (m *Manager) Start(req Request) {
	m.Stop()

	m.mu.Lock()
	w := NewWorker(m.cfg, m.opener, m.events, m.log)
	m.worker = w
	m.mu.Unlock()

	m.events.OnStatus("Connecting to " + req.Source.String() + "...")
	m.events.OnProgress(0)
	w.Start(req)
}

// Stop stops the active worker, if any. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	w := m.worker
	m.worker = nil
	m.mu.Unlock()

	if w == nil {
		return
	}
	m.events.OnStatus("Disconnecting from camera...")
	w.Stop()
	m.events.OnStatus("Camera disconnected")
}

// Stats returns statistics of the active worker, or the zero value when
// no capture is running.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	w := m.worker
	m.mu.Unlock()
	if w == nil {
		return Stats{}
	}
	return w.Stats()
}
