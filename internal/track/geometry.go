package track

import "image"

// IOU returns the intersection over union of two rectangles
func IOU(r1, r2 image.Rectangle) float64 {
	intersection := r1.Intersect(r2)
	if intersection.Empty() {
		return 0
	}
	union := r1.Union(r2)
	return float64(intersection.Dx()*intersection.Dy()) / float64(union.Dx()*union.Dy())
}

// PredictNextFrame extrapolates a box one frame forward assuming linear
// motion between the two most recent observations.
func PredictNextFrame(old, curr image.Rectangle) image.Rectangle {
	oldCX, oldCY := float64((old.Min.X+old.Max.X)/2), float64((old.Min.Y+old.Max.Y)/2)
	currCX, currCY := float64((curr.Min.X+curr.Max.X)/2), float64((curr.Min.Y+curr.Max.Y)/2)
	newCX, newCY := currCX+(currCX-oldCX), currCY+(currCY-oldCY)

	x0, x1 := newCX-float64(curr.Dx()/2), newCX+float64(curr.Dx()/2)
	y0, y1 := newCY-float64(curr.Dy()/2), newCY+float64(curr.Dy()/2)
	return image.Rect(int(x0), int(y0), int(x1), int(y1))
}
