// Package detect runs hazard label detection on captured frames using an
// ONNX model loaded through the OpenCV DNN module. The tensor decode is kept
// in pure Go; only model I/O and non-maximum suppression touch OpenCV.
package detect

import (
	"image"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/lunovian/hazard-label-detection/internal/types"
)

// Config holds detector tunables. Zero values fall back to the trained
// model's defaults.
type Config struct {
	// ModelPath is the ONNX model file
	ModelPath string
	// ClassesPath is the one-name-per-line class list
	ClassesPath string
	// InputSize is the square model input, pixels
	InputSize int
	// ConfThreshold drops detections below this class confidence
	ConfThreshold float32
	// NMSThreshold is the IoU threshold for non-maximum suppression
	NMSThreshold float32
}

func (c Config) withDefaults() Config {
	if c.InputSize <= 0 {
		c.InputSize = 640
	}
	if c.ConfThreshold <= 0 {
		c.ConfThreshold = 0.25
	}
	if c.NMSThreshold <= 0 {
		c.NMSThreshold = 0.45
	}
	return c
}

// Detector wraps one loaded network. Detect serializes inference internally;
// the DNN forward pass is not reentrant.
type Detector struct {
	cfg     Config
	classes []string
	log     *slog.Logger

	mu  sync.Mutex
	net gocv.Net
}

// New loads the model and its class names. The caller owns the returned
// detector and must Close it.
func New(cfg Config, log *slog.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	classes, err := LoadClassNames(cfg.ClassesPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, errors.Errorf("reading model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "setting DNN backend")
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "setting DNN target")
	}

	log.Info("detector loaded",
		"model", cfg.ModelPath,
		"classes", len(classes),
		"input_size", cfg.InputSize,
	)
	return &Detector{cfg: cfg, classes: classes, log: log, net: net}, nil
}

// Classes returns the class name list the model was trained with
func (d *Detector) Classes() []string { return d.classes }

// Detect runs one inference pass over an RGB frame and returns suppressed
// detections in original frame coordinates.
func (d *Detector) Detect(frame types.Frame) ([]Detection, error) {
	if len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, errors.Errorf("short frame data: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, errors.Wrap(err, "wrapping frame data")
	}
	defer mat.Close()

	// Pad to a square so the resize to model input preserves aspect ratio.
	maxDim := frame.Width
	if frame.Height > maxDim {
		maxDim = frame.Height
	}
	square := gocv.NewMatWithSize(maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, frame.Width, frame.Height))
	mat.CopyTo(&roi)
	roi.Close()

	// Frames arrive already in RGB channel order, no swap on blob conversion.
	blob := gocv.BlobFromImage(square, 1.0/255.0,
		image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	raw, err := output.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "reading model output")
	}
	out := make([]float32, len(raw))
	copy(out, raw)

	numClasses := len(d.classes)
	numCells := len(out) / (4 + numClasses)
	scale := float32(maxDim) / float32(d.cfg.InputSize)

	dets := decodeOutput(out, numClasses, numCells, scale, d.cfg.ConfThreshold)
	dets = d.suppress(dets)
	clampBoxes(dets, frame.Width, frame.Height)
	for i := range dets {
		if dets[i].ClassID >= 0 && dets[i].ClassID < numClasses {
			dets[i].Label = d.classes[dets[i].ClassID]
		}
	}
	return dets, nil
}

// suppress applies non-maximum suppression across all candidates
func (d *Detector) suppress(dets []Detection) []Detection {
	if len(dets) < 2 {
		return dets
	}
	boxes := make([]image.Rectangle, len(dets))
	scores := make([]float32, len(dets))
	for i, det := range dets {
		boxes[i] = det.Box
		scores[i] = det.Score
	}
	keep := gocv.NMSBoxes(boxes, scores, d.cfg.ConfThreshold, d.cfg.NMSThreshold)
	kept := make([]Detection, 0, len(keep))
	for _, idx := range keep {
		kept = append(kept, dets[idx])
	}
	return kept
}

// Close releases the network
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
