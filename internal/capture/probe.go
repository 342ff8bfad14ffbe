package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Properties holds device properties read back from an open OpenCV handle.
// Values are best effort; backends that do not expose a property report 0.
type Properties struct {
	Width      int
	Height     int
	FPS        float64
	Brightness float64
	Contrast   float64
	Saturation float64
	Hue        float64
	Gain       float64
	Exposure   float64
	// SupportedResolutions lists the common resolutions the device accepted
	// verbatim during a set-and-read-back sweep.
	SupportedResolutions [][2]int
}

// commonResolutions probed by ProbeProperties
var commonResolutions = [][2]int{
	{640, 480},
	{800, 600},
	{1280, 720},
	{1920, 1080},
}

// ProbeProperties temporarily opens a device to query its properties. The
// device is released before returning; do not call while a worker holds the
// same device.
func ProbeProperties(src Source, hint Backend) (*Properties, error) {
	backend := resolveBackend(hint)

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
		return nil, fmt.Errorf("capture: probe %s: %w", src, err)
	}
	defer cap.Close()
	if !cap.IsOpened() {
		return nil, ErrOpenFailed
	}

	props := &Properties{
		Width:      int(cap.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(cap.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        cap.Get(gocv.VideoCaptureFPS),
		Brightness: cap.Get(gocv.VideoCaptureBrightness),
		Contrast:   cap.Get(gocv.VideoCaptureContrast),
		Saturation: cap.Get(gocv.VideoCaptureSaturation),
		Hue:        cap.Get(gocv.VideoCaptureHue),
		Gain:       cap.Get(gocv.VideoCaptureGain),
		Exposure:   cap.Get(gocv.VideoCaptureExposure),
	}

	for _, res := range commonResolutions {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(res[0]))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(res[1]))
		w := int(cap.Get(gocv.VideoCaptureFrameWidth))
		h := int(cap.Get(gocv.VideoCaptureFrameHeight))
		if w == res[0] && h == res[1] {
			props.SupportedResolutions = append(props.SupportedResolutions, res)
		}
	}
	return props, nil
}
