// Package adapt implements the Quality Controller: a four-tier policy
// that maps an observed packet loss rate onto Opus bitrate/loss-percent
// and jitter buffer depth, relative to the session's configured
// baseline.
package adapt

const (
	MinBitrateBPS = 32000
	MaxBitrateBPS = 72000

	MinLossPercent = 0
	MaxLossPercent = 25

	MinJitterTarget = 2
	MaxJitterTarget = 8
	MinJitterMax    = 4
	MaxJitterMax    = 16
)

// Baseline holds the session's unchanging configured values; never
// mutated after session start.
type Baseline struct {
	BitrateBPS         int
	LossPercent        int
	JitterTargetFrames int
	JitterMaxFrames    int
}

// Tuned holds the currently applied (possibly adapted) values.
type Tuned struct {
	BitrateBPS         int
	LossPercent        int
	JitterTargetFrames int
	JitterMaxFrames    int
}

// Tier classifies a loss rate into one of the four bands from the
// Quality Controller table.
func Tier(lossRate float64) int {
	switch {
	case lossRate < 0.03:
		return 0
	case lossRate < 0.06:
		return 1
	case lossRate < 0.12:
		return 2
	default:
		return 3
	}
}

// Apply computes the Tuned values for the given baseline and observed
// loss rate, per the Quality Controller table, clamped to legal ranges
// with max > target restored if the tier arithmetic would violate it.
func Apply(baseline Baseline, lossRate float64) Tuned {
	t := Tuned{
		BitrateBPS:         baseline.BitrateBPS,
		LossPercent:        baseline.LossPercent,
		JitterTargetFrames: baseline.JitterTargetFrames,
		JitterMaxFrames:    baseline.JitterMaxFrames,
	}

	switch Tier(lossRate) {
	case 0:
		// baseline across the board
	case 1:
		t.LossPercent = 11
	case 2:
		t.BitrateBPS = int(float64(baseline.BitrateBPS) * 0.92)
		t.LossPercent = 14
		t.JitterTargetFrames = baseline.JitterTargetFrames + 1
		t.JitterMaxFrames = baseline.JitterMaxFrames + 2
	case 3:
		t.BitrateBPS = int(float64(baseline.BitrateBPS) * 0.85)
		t.LossPercent = 20
		t.JitterTargetFrames = baseline.JitterTargetFrames + 2
		t.JitterMaxFrames = baseline.JitterMaxFrames + 3
	}

	return clamp(t)
}

func clamp(t Tuned) Tuned {
	t.BitrateBPS = clampInt(t.BitrateBPS, MinBitrateBPS, MaxBitrateBPS)
	t.LossPercent = clampInt(t.LossPercent, MinLossPercent, MaxLossPercent)
	t.JitterTargetFrames = clampInt(t.JitterTargetFrames, MinJitterTarget, MaxJitterTarget)
	t.JitterMaxFrames = clampInt(t.JitterMaxFrames, MinJitterMax, MaxJitterMax)

	if t.JitterMaxFrames <= t.JitterTargetFrames {
		t.JitterMaxFrames = t.JitterTargetFrames + 2
		if t.JitterMaxFrames > MaxJitterMax {
			t.JitterMaxFrames = MaxJitterMax
		}
	}
	return t
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SmoothLoss applies exponentially weighted moving average smoothing to
// a raw packet loss measurement, so a single noisy 1s sample doesn't
// flap the tier. alpha controls the weight of the new sample.
func SmoothLoss(smoothed, raw, alpha float64) float64 {
	return alpha*raw + (1-alpha)*smoothed
}

// LossRate computes the Quality Controller's loss_rate from a CryptState
// counters delta: (late + lost) / total observed.
func LossRate(good, late, lost uint64) float64 {
	total := good + late + lost
	if total == 0 {
		return 0
	}
	return float64(late+lost) / float64(total)
}
