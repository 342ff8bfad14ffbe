package detect

import "image"

// Detection is one detected hazard label on the original frame
type Detection struct {
	// Box in original frame pixel coordinates
	Box image.Rectangle
	// Score is the class confidence, 0-1
	Score float32
	// ClassID indexes the class name list the model was trained with
	ClassID int
	// Label is the resolved class name, empty when the ID is out of range
	Label string
}

// decodeOutput extracts candidate detections from a flattened YOLOv8-style
// output tensor of shape [1, 4+numClasses, numCells]: rows are cx, cy, w, h
// followed by per-class scores, columns are candidate cells. Coordinates are
// in model input space; scale maps them back to the padded original frame.
// Pure Go so the decode math is testable without a loaded network.
func decodeOutput(out []float32, numClasses, numCells int, scale float32, confThreshold float32) []Detection {
	if numClasses <= 0 || numCells <= 0 || len(out) < (4+numClasses)*numCells {
		return nil
	}

	var dets []Detection
	for cell := 0; cell < numCells; cell++ {
		classID := -1
		var best float32
		for c := 0; c < numClasses; c++ {
			if score := out[(4+c)*numCells+cell]; score > best {
				best = score
				classID = c
			}
		}
		if best < confThreshold {
			continue
		}

		cx := out[0*numCells+cell]
		cy := out[1*numCells+cell]
		w := out[2*numCells+cell]
		h := out[3*numCells+cell]

		dets = append(dets, Detection{
			Box: image.Rect(
				int((cx-w/2)*scale),
				int((cy-h/2)*scale),
				int((cx+w/2)*scale),
				int((cy+h/2)*scale),
			),
			Score:   best,
			ClassID: classID,
		})
	}
	return dets
}

// clampBoxes clips detection boxes to the frame bounds in place
func clampBoxes(dets []Detection, width, height int) {
	bounds := image.Rect(0, 0, width, height)
	for i := range dets {
		dets[i].Box = dets[i].Box.Intersect(bounds)
	}
}
