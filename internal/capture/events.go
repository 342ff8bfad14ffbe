package capture

import (
	"sync/atomic"

	"github.com/lunovian/hazard-label-detection/internal/types"
)

// Events receives worker lifecycle notifications. Callbacks are invoked on
// the worker goroutine and must not block; consumers that need to do real
// work should marshal through a channel (see ChannelEvents).
type Events interface {
	// OnFrame delivers one successfully read frame, RGB channel order.
	OnFrame(frame types.Frame)
	// OnStatus delivers a human-readable stage description.
	OnStatus(message string)
	// OnProgress delivers connect progress, 0-100. Monotonic within one
	// attempt, reset to 0 at the start of each retry.
	OnProgress(percent int)
	// OnConnected fires true once the first frame is read, false on
	// terminal failure or explicit stop.
	OnConnected(ok bool)
	// OnError delivers per-attempt and terminal error descriptions.
	OnError(message string)
}

// NopEvents discards all events. Useful as a default and in tests.
type NopEvents struct{}

func (NopEvents) OnFrame(types.Frame) {}
func (NopEvents) OnStatus(string)     {}
func (NopEvents) OnProgress(int)      {}
func (NopEvents) OnConnected(bool)    {}
func (NopEvents) OnError(string)      {}

// StatusEvent is a non-frame worker event as carried by ChannelEvents
type StatusEvent struct {
	Kind    StatusKind
	Message string
	// Percent is set for KindProgress
	Percent int
	// Connected is set for KindConnected
	Connected bool
}

// StatusKind discriminates StatusEvent variants
type StatusKind int

const (
	KindStatus StatusKind = iota
	KindProgress
	KindConnected
	KindError
)

// ChannelEvents adapts the Events callbacks to bounded channels so a consumer
// on another goroutine can select over them. Frame sends never block: when
// the frame buffer is full the incoming frame is dropped and counted, the
// same latency-over-completeness policy the frame bus applies downstream.
// Status events are likewise dropped rather than queued without bound.
type ChannelEvents struct {
	frames  chan types.Frame
	status  chan StatusEvent
	dropped atomic.Uint64
}

// NewChannelEvents creates a channel-backed event sink. frameBuffer bounds
// the frame queue; status events share a fixed small buffer.
func NewChannelEvents(frameBuffer int) *ChannelEvents {
	if frameBuffer <= 0 {
		frameBuffer = 10
	}
	return &ChannelEvents{
		frames: make(chan types.Frame, frameBuffer),
		status: make(chan StatusEvent, 32),
	}
}

// Frames returns the frame channel
func (c *ChannelEvents) Frames() <-chan types.Frame { return c.frames }

// Status returns the status/progress/connected/error channel
func (c *ChannelEvents) Status() <-chan StatusEvent { return c.status }

// Dropped returns the number of frames dropped because the consumer lagged
func (c *ChannelEvents) Dropped() uint64 { return c.dropped.Load() }

func (c *ChannelEvents) OnFrame(frame types.Frame) {
	select {
	case c.frames <- frame:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelEvents) send(ev StatusEvent) {
	select {
	case c.status <- ev:
	default:
	}
}

func (c *ChannelEvents) OnStatus(message string) {
	c.send(StatusEvent{Kind: KindStatus, Message: message})
}

func (c *ChannelEvents) OnProgress(percent int) {
	c.send(StatusEvent{Kind: KindProgress, Percent: percent})
}

func (c *ChannelEvents) OnConnected(ok bool) {
	c.send(StatusEvent{Kind: KindConnected, Connected: ok})
}

func (c *ChannelEvents) OnError(message string) {
	c.send(StatusEvent{Kind: KindError, Message: message})
}
