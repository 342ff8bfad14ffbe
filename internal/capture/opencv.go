package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// apiFor maps a resolved backend to the OpenCV capture API constant
func apiFor(b Backend) gocv.VideoCaptureAPI {
	switch b {
	case BackendDirectShow:
		return gocv.VideoCaptureDshow
	case BackendMSMF:
		return gocv.VideoCaptureMSMF
	case BackendV4L2:
		return gocv.VideoCaptureV4L2
	case BackendGStreamer:
		return gocv.VideoCaptureGstreamer
	case BackendAVFoundation:
		return gocv.VideoCaptureAVFoundation
	default:
		return gocv.VideoCaptureAny
	}
}

// openCVSession wraps a gocv.VideoCapture handle. The mutex serializes normal
// operations; Close uses TryLock so a read wedged inside the native call can
// still be unblocked by force-releasing the handle underneath it.
type openCVSession struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	rgb    gocv.Mat
	closed atomic.Bool
}

// OpenCV opens a capture session through the OpenCV bindings. URL/file paths
// are opened without a backend hint, matching how OpenCV treats non-device
// sources; hardware devices use the resolved capture API.
func OpenCV(src Source, backend Backend) (Session, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if src.Path != "" {
		cap, err = gocv.OpenVideoCapture(src.Path)
	} else {
		cap, err = gocv.VideoCaptureDeviceWithAPI(src.DeviceID, apiFor(backend))
	}
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", src, err)
	}
	return &openCVSession{
		cap: cap,
		mat: gocv.NewMat(),
		rgb: gocv.NewMat(),
	}, nil
}

func (s *openCVSession) Read() (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Payload{}, false
	}
	ok := s.cap.Read(&s.mat)
	// The handle may have been force-released while the read was blocked.
	if s.closed.Load() || !ok || s.mat.Empty() {
		return Payload{}, false
	}
	// Consumer channel order is RGB; OpenCV delivers BGR.
	gocv.CvtColor(s.mat, &s.rgb, gocv.ColorBGRToRGB)
	return Payload{
		Data:   s.rgb.ToBytes(),
		Width:  s.rgb.Cols(),
		Height: s.rgb.Rows(),
	}, true
}

func (s *openCVSession) Configure(width, height int, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	s.cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	if fps > 0 {
		s.cap.Set(gocv.VideoCaptureFPS, fps)
	}
}

func (s *openCVSession) Negotiated() (int, int, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, 0, 0
	}
	return int(s.cap.Get(gocv.VideoCaptureFrameWidth)),
		int(s.cap.Get(gocv.VideoCaptureFrameHeight)),
		s.cap.Get(gocv.VideoCaptureFPS)
}

func (s *openCVSession) IsOpened() bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed.Load() && s.cap.IsOpened()
}

// Close releases the capture handle. Idempotent. When a read holds the mutex
// (blocked in the native call), the handle is released without the lock; the
// reader observes the closed flag once the native call returns.
func (s *openCVSession) Close() error {
	if !s.mu.TryLock() {
		if s.closed.CompareAndSwap(false, true) {
			return s.cap.Close()
		}
		return nil
	}
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mat.Close()
	s.rgb.Close()
	return s.cap.Close()
}
