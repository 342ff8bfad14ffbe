package track

import (
	"image"
	"math"
	"testing"
)

func TestIOU(t *testing.T) {
	tests := []struct {
		name string
		r1   image.Rectangle
		r2   image.Rectangle
		want float64
	}{
		{"identical", image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10), 1.0},
		{"disjoint", image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30), 0.0},
		{"touching edges", image.Rect(0, 0, 10, 10), image.Rect(10, 0, 20, 10), 0.0},
		{"half overlap", image.Rect(0, 0, 10, 10), image.Rect(5, 0, 15, 10), 50.0 / 150.0},
		{"contained", image.Rect(0, 0, 20, 20), image.Rect(5, 5, 15, 15), 100.0 / 400.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IOU(tt.r1, tt.r2); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IOU = %v, want %v", got, tt.want)
			}
			// Symmetric
			if got := IOU(tt.r2, tt.r1); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IOU reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredictNextFrame(t *testing.T) {
	// Moving +10 px/frame in x, constant size
	old := image.Rect(0, 0, 20, 20)
	curr := image.Rect(10, 0, 30, 20)

	pred := PredictNextFrame(old, curr)
	want := image.Rect(20, 0, 40, 20)
	if pred != want {
		t.Errorf("prediction = %v, want %v", pred, want)
	}
}

func TestPredictNextFrameStationary(t *testing.T) {
	box := image.Rect(5, 5, 25, 25)
	pred := PredictNextFrame(box, box)
	if pred != box {
		t.Errorf("stationary prediction = %v, want %v", pred, box)
	}
}
