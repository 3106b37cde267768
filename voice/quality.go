package voice

import (
	"github.com/MasonKomo/Harmony/internal/adapt"
	"github.com/MasonKomo/Harmony/internal/crypt"
)

// qualitySmoothingAlpha weights each 1s sample against the running
// smoothed loss rate.
const qualitySmoothingAlpha = 0.3

// QualityController runs the session's 1s quality-sampling loop: it
// reads the crypt layer's good/late/lost deltas, EWMA smooths the
// resulting loss rate, and maps the smoothed rate onto Opus/jitter
// tuning via internal/adapt's four-tier table.
type QualityController struct {
	baseline      adapt.Baseline
	smoothedLoss  float64
	current       adapt.Tuned
}

// NewQualityController seeds the controller at baseline with no
// adaptation applied yet.
func NewQualityController(baseline adapt.Baseline) *QualityController {
	return &QualityController{
		baseline: baseline,
		current:  adapt.Tuned(baseline),
	}
}

// Sample consumes one 1s window's crypt counters, updates the smoothed
// loss rate, and returns the newly tuned values.
func (q *QualityController) Sample(counters crypt.Counters) adapt.Tuned {
	raw := adapt.LossRate(counters.Good, counters.Late, counters.Lost)
	q.smoothedLoss = adapt.SmoothLoss(q.smoothedLoss, raw, qualitySmoothingAlpha)
	q.current = adapt.Apply(q.baseline, q.smoothedLoss)
	return q.current
}

// Current returns the most recently computed tuning without sampling.
func (q *QualityController) Current() adapt.Tuned { return q.current }

// SmoothedLossRate exposes the controller's running EWMA, e.g. for
// metrics reporting.
func (q *QualityController) SmoothedLossRate() float64 { return q.smoothedLoss }
