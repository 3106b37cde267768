package voice

import (
	"testing"

	"github.com/MasonKomo/Harmony/internal/adapt"
	"github.com/MasonKomo/Harmony/internal/crypt"
	"github.com/stretchr/testify/assert"
)

func TestQualityControllerStaysAtBaselineWithNoLoss(t *testing.T) {
	baseline := adapt.Baseline{BitrateBPS: 32000, LossPercent: 8, JitterTargetFrames: 3, JitterMaxFrames: 8}
	q := NewQualityController(baseline)

	tuned := q.Sample(crypt.Counters{Good: 100})
	assert.Equal(t, adapt.Tuned(baseline), tuned)
}

func TestQualityControllerDegradesUnderSustainedLoss(t *testing.T) {
	baseline := adapt.Baseline{BitrateBPS: 40000, LossPercent: 8, JitterTargetFrames: 3, JitterMaxFrames: 8}
	q := NewQualityController(baseline)

	var tuned adapt.Tuned
	for i := 0; i < 20; i++ {
		tuned = q.Sample(crypt.Counters{Good: 70, Lost: 30})
	}

	assert.Less(t, tuned.BitrateBPS, baseline.BitrateBPS)
	assert.Greater(t, tuned.JitterMaxFrames, baseline.JitterMaxFrames)
}

func TestQualityControllerCurrentMatchesLastSample(t *testing.T) {
	baseline := adapt.Baseline{BitrateBPS: 32000, LossPercent: 8, JitterTargetFrames: 3, JitterMaxFrames: 8}
	q := NewQualityController(baseline)

	tuned := q.Sample(crypt.Counters{Good: 50, Lost: 50})
	assert.Equal(t, tuned, q.Current())
}
