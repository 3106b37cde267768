// Package mixer sums N mono frames of equal length into one output frame
// with power-preserving headroom and a soft limiter, scrubbing any
// non-finite sample so the result is always safe to hand to a playback
// device or encoder.
package mixer

import "math"

// Result carries the mixed samples plus the counters the caller needs
// to fold into Metrics.
type Result struct {
	Out     []float32
	Active  int // number of frames that contributed at least one non-zero sample
	Clipped int // output samples with |pre-limit value| >= 1.0
	Scrubbed int // non-finite samples replaced with 0
}

// Mix sums frames (each the same length) scaled by headroomGain/sqrt(N),
// applies a soft limiter x/(1+0.5|x|) after scaling by limiterDrive, and
// substitutes 0 for any sample that is not finite. Panics if frames is
// empty or lengths disagree — callers always supply at least one frame
// of the current tick's length.
func Mix(frames [][]float32, headroomGain, limiterDrive float32) Result {
	n := len(frames)
	length := len(frames[0])
	out := make([]float32, length)

	norm := headroomGain / float32(math.Sqrt(float64(n)))

	res := Result{Out: out}
	active := make([]bool, n)

	for i := 0; i < length; i++ {
		var sum float32
		for fi, f := range frames {
			v := f[i]
			if v != 0 {
				active[fi] = true
			}
			sum += v
		}
		pre := sum * norm * limiterDrive
		if pre >= 1.0 || pre <= -1.0 {
			res.Clipped++
		}
		limited := softLimiter(pre)
		if !isFinite(limited) {
			limited = 0
			res.Scrubbed++
		}
		out[i] = limited
	}

	for _, a := range active {
		if a {
			res.Active++
		}
	}
	return res
}

// softLimiter applies x / (1 + 0.5|x|), a gentle saturating curve that
// approaches ±2 asymptotically rather than hard-clipping at ±1.
func softLimiter(x float32) float32 {
	abs := x
	if abs < 0 {
		abs = -abs
	}
	return x / (1 + 0.5*abs)
}

func isFinite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}
