package capture

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold: stream is stable when the FPS standard
	// deviation stays below this fraction of the mean.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: mean inter-frame jitter must stay below
	// this fraction of the expected interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats summarizes the frame-rate behavior measured over a window of
// frame timestamps, in the shape a consumer needs to decide whether the
// stream has settled after connect.
type FPSStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	JitterMean     float64
	JitterMax      float64
	IsStable       bool
}

// CalculateFPSStats derives FPS statistics from frame timestamps. At least
// two timestamps are required for any instantaneous measurement; fewer
// produce an unstable zero-value result.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) FPSStats {
	n := len(frameTimes)
	if n < 2 || totalDuration <= 0 {
		return FPSStats{FramesReceived: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
			intervals = append(intervals, interval)
		}
	}
	if len(instantaneous) == 0 {
		return FPSStats{FramesReceived: n, Duration: totalDuration, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	for _, fps := range instantaneous {
		if fps < fpsMin {
			fpsMin = fps
		}
		if fps > fpsMax {
			fpsMax = fps
		}
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / fpsMean
	var jitterSum, jitterMax float64
	for _, interval := range intervals {
		jitter := math.Abs(interval - expectedInterval)
		jitterSum += jitter
		if jitter > jitterMax {
			jitterMax = jitter
		}
	}
	jitterMean := jitterSum / float64(len(intervals))

	return FPSStats{
		FramesReceived: n,
		Duration:       totalDuration,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		JitterMean:     jitterMean,
		JitterMax:      jitterMax,
		IsStable: fpsStdDev < fpsMean*fpsStabilityThreshold &&
			jitterMean < expectedInterval*jitterStabilityThreshold,
	}
}
