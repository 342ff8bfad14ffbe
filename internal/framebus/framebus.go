// Package framebus distributes frames from the capture worker to multiple
// consumers (detection, preview, recording) with per-subscriber backpressure
// policies. Publishing never blocks: a lagging consumer loses frames, it never
// stalls acquisition.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lunovian/hazard-label-detection/internal/types"
)

var (
	ErrClosed             = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrNilChannel         = errors.New("framebus: nil channel provided")
	errReceiverClosed     = errors.New("framebus: receiver is closed")
)

// DropPolicy selects what happens when a subscriber cannot keep up
type DropPolicy int

const (
	// DropNew discards the incoming frame when the subscriber channel is full.
	// Preserves frame order at the cost of recency.
	DropNew DropPolicy = iota
	// DropOld keeps only the latest frame, overwriting any unconsumed one.
	// Preserves recency at the cost of continuity; the right policy for
	// detection loops that only care about the current scene.
	DropOld
)

// SubscriberStats tracks frame distribution for one subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Receiver is the consumption side of a DropOld subscription
type Receiver interface {
	// Receive blocks until a frame is available or the receiver is closed.
	// A closed receiver returns ok=false.
	Receive() (types.Frame, bool)
	// TryReceive returns the latest frame without blocking
	TryReceive() (types.Frame, bool)
	// Close wakes any blocked Receive
	Close()
}

type subscriber struct {
	id      string
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- types.Frame // DropNew
	latest *latestHolder      // DropOld
}

// Bus fans frames out to registered subscribers. Safe for concurrent use;
// Publish is called from the capture worker goroutine, subscriptions can
// change from any goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with the DropNew policy. The caller owns the
// channel and its buffering; a full channel drops the incoming frame.
func (b *Bus) Subscribe(id string, ch chan<- types.Frame) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{id: id, policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver
func (b *Bus) SubscribeLatest(id string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	sub := &subscriber{id: id, policy: DropOld, latest: newLatestHolder()}
	b.subscribers[id] = sub
	return sub.latest, nil
}

// Publish delivers the frame to every subscriber per its policy. Never blocks.
// A no-op on a closed bus.
func (b *Bus) Publish(frame types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- frame:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if overwrote := sub.latest.set(frame); overwrote {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber, closing its receiver if it has one
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns distribution counters for one subscriber
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Published returns the total number of frames published
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close shuts down the bus: receivers are woken, further publishes are
// dropped. Idempotent. DropNew channels are NOT closed; the bus does not
// own them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

// latestHolder implements Receiver for the DropOld policy: a single-slot
// mailbox where set overwrites and Receive waits on a condition variable.
type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *types.Frame
	taken  bool
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set stores the frame, reporting whether an unconsumed frame was overwritten
func (h *latestHolder) set(frame types.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	overwrote := h.frame != nil && !h.taken
	h.frame = &frame
	h.taken = false
	h.cond.Broadcast()
	return overwrote
}

func (h *latestHolder) Receive() (types.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for (h.frame == nil || h.taken) && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return types.Frame{}, false
	}
	h.taken = true
	return *h.frame, true
}

func (h *latestHolder) TryReceive() (types.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frame == nil || h.taken || h.closed {
		return types.Frame{}, false
	}
	h.taken = true
	return *h.frame, true
}

func (h *latestHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}
