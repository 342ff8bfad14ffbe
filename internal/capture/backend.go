package capture

import (
	"fmt"
	"runtime"
)

// Backend identifies the platform capture API family used to open a device.
type Backend int

const (
	// BackendAuto picks the preferred backend for the current platform
	BackendAuto Backend = iota
	// BackendAny lets the capture library choose
	BackendAny
	// BackendDirectShow is the DirectShow API (Windows)
	BackendDirectShow
	// BackendMSMF is the Media Foundation API (Windows)
	BackendMSMF
	// BackendV4L2 is Video4Linux2 (Linux)
	BackendV4L2
	// BackendGStreamer is the GStreamer backend (Linux)
	BackendGStreamer
	// BackendAVFoundation is the AVFoundation API (macOS)
	BackendAVFoundation
)

// String returns a human-readable backend name
func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendAny:
		return "any"
	case BackendDirectShow:
		return "dshow"
	case BackendMSMF:
		return "msmf"
	case BackendV4L2:
		return "v4l2"
	case BackendGStreamer:
		return "gstreamer"
	case BackendAVFoundation:
		return "avfoundation"
	default:
		return "any"
	}
}

// ParseBackend parses a backend name as used in configuration files
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "auto":
		return BackendAuto, nil
	case "any":
		return BackendAny, nil
	case "dshow", "directshow":
		return BackendDirectShow, nil
	case "msmf":
		return BackendMSMF, nil
	case "v4l2", "v4l":
		return BackendV4L2, nil
	case "gstreamer":
		return BackendGStreamer, nil
	case "avfoundation":
		return BackendAVFoundation, nil
	default:
		return BackendAny, fmt.Errorf("capture: unknown backend %q", s)
	}
}

// platformPreferences maps a platform identifier to an ordered list of
// backend preferences. Resolved once at worker start, never queried ad hoc.
var platformPreferences = map[string][]Backend{
	"windows": {BackendDirectShow, BackendMSMF, BackendAny},
	"linux":   {BackendV4L2, BackendGStreamer, BackendAny},
	"darwin":  {BackendAVFoundation, BackendAny},
}

// PreferredBackends returns the ordered backend preference list for a platform.
// Unknown platforms fall back to a single generic entry.
func PreferredBackends(goos string) []Backend {
	if prefs, ok := platformPreferences[goos]; ok {
		return prefs
	}
	return []Backend{BackendAny}
}

// ResolveBackend resolves a backend hint to a concrete backend selection:
// an explicit choice is kept, BackendAuto becomes the platform preference.
func ResolveBackend(hint Backend, goos string) Backend {
	if hint != BackendAuto {
		return hint
	}
	return PreferredBackends(goos)[0]
}

// resolveBackend resolves against the running platform.
func resolveBackend(hint Backend) Backend {
	return ResolveBackend(hint, runtime.GOOS)
}
