package types

import (
	"encoding/json"
	"time"
)

// Inference is the interface all published inference types implement
type Inference interface {
	// Type returns the inference type (hazard_label, etc.)
	Type() string
	// Timestamp returns when the inference was generated
	Timestamp() time.Time
	// ToJSON converts the inference to JSON bytes
	ToJSON() ([]byte, error)
}

// BBox represents a bounding box in frame pixel coordinates
type BBox struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	CenterX    int     `json:"center_x"`
	CenterY    int     `json:"center_y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// LabelBox is a single detected hazard label within a frame
type LabelBox struct {
	Class   string `json:"class"`
	TrackID string `json:"track_id,omitempty"`
	BBox    BBox   `json:"bbox"`
}

// HazardLabelDetection is the detection result for one frame
type HazardLabelDetection struct {
	InstanceID   string            `json:"instance_id"`
	Source       string            `json:"source"`
	Model        string            `json:"model"`
	FrameSeq     uint64            `json:"frame_seq"`
	TraceID      string            `json:"trace_id"`
	Labels       []LabelBox        `json:"labels"`
	Metadata     InferenceMetadata `json:"metadata"`
	TimestampStr string            `json:"timestamp"`
	ts           time.Time
}

// NewHazardLabelDetection stamps a detection result with the given generation time.
func NewHazardLabelDetection(ts time.Time) *HazardLabelDetection {
	return &HazardLabelDetection{
		TimestampStr: ts.UTC().Format(time.RFC3339Nano),
		ts:           ts,
	}
}

// Type implements Inference
func (d *HazardLabelDetection) Type() string {
	return "hazard_label"
}

// Timestamp implements Inference
func (d *HazardLabelDetection) Timestamp() time.Time {
	return d.ts
}

// ToJSON implements Inference
func (d *HazardLabelDetection) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// InferenceMetadata contains common metadata for all inferences
type InferenceMetadata struct {
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FrameWidth       int     `json:"frame_width"`
	FrameHeight      int     `json:"frame_height"`
	ModelInputSize   int     `json:"model_input_size"`
}
