package track

import (
	"strings"

	"github.com/lunovian/hazard-label-detection/internal/detect"
)

// FilterDetections removes detections below the global confidence floor and,
// when chosenLabels is non-empty, detections whose class is not listed or
// falls under its per-class minimum. Per-class minimums are keyed by
// lowercase class name.
func FilterDetections(chosenLabels map[string]float64, dets []detect.Detection, minConfidence float64) []detect.Detection {
	out := make([]detect.Detection, 0, len(dets))
	for _, d := range dets {
		if float64(d.Score) <= minConfidence {
			continue
		}
		if len(chosenLabels) > 0 {
			minConf, ok := chosenLabels[strings.ToLower(d.Label)]
			if !ok || float64(d.Score) <= minConf {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}
