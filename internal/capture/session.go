package capture

import (
	"errors"
	"fmt"
)

// Internal sentinel errors for connect/stream cycle outcomes
var (
	ErrConnectTimeout = errors.New("capture: connect timed out")
	ErrOpenFailed     = errors.New("capture: device reported not opened")
	ErrFirstFrame     = errors.New("capture: failed to get first frame")
	ErrReadFailed     = errors.New("capture: failed to read frame after retries")
	ErrDisconnected   = errors.New("capture: device disconnected")
	errStopRequested  = errors.New("capture: stop requested")
)

// Source identifies what to capture from: a hardware device by integer index,
// or a URL/file path. A non-empty Path takes precedence over DeviceID.
type Source struct {
	DeviceID int
	Path     string
}

// String returns the identifier used in status messages
func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	return fmt.Sprintf("camera %d", s.DeviceID)
}

// valid reports whether the source carries a usable identifier
func (s Source) valid() bool {
	return s.Path != "" || s.DeviceID >= 0
}

// Request describes one connection attempt. Immutable once submitted.
type Request struct {
	Source Source
	// Requested resolution; the device may negotiate different values
	Width  int
	Height int
	// Requested frame rate; values > 0 below the device rate are throttled
	FPS float64
	// Backend hint; BackendAuto resolves to the platform preference
	Backend Backend
}

// Payload is one frame as delivered by a session, already converted to the
// consumer's channel order (RGB).
type Payload struct {
	Data   []byte
	Width  int
	Height int
}

// Session is one open handle to a camera or video source. Owned exclusively
// by the worker goroutine; Close must be idempotent because the stop path may
// force-release a session the worker is still blocked on.
type Session interface {
	// Read returns the next frame. ok is false when the device reports
	// no frame without an error (a per-frame read failure).
	Read() (p Payload, ok bool)
	// Configure applies the requested resolution and frame rate, best effort.
	Configure(width, height int, fps float64)
	// Negotiated returns the actual resolution and frame rate in effect.
	Negotiated() (width, height int, fps float64)
	// IsOpened reports whether the underlying handle is still usable.
	IsOpened() bool
	// Close releases the underlying handle. Safe to call more than once.
	Close() error
}

// Opener opens a session for a source using a concrete (already resolved)
// backend. The OpenCV implementation lives in opencv.go; tests substitute
// a fake.
type Opener func(src Source, backend Backend) (Session, error)
