package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was read from the device
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (interleaved RGB24, consumer channel order)
	Data []byte
	// Source identifies the capture source (e.g., "camera-0", a file path)
	Source string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    string // "RGB24"
	Source    string
}

// Meta returns the metadata of the frame without the pixel payload.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    "RGB24",
		Source:    f.Source,
	}
}
