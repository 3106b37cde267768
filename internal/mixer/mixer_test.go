package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMixNormAndLimiter(t *testing.T) {
	a, b := float32(0.6), float32(0.4)
	frames := [][]float32{
		{a, a, a},
		{b, b, b},
	}
	res := Mix(frames, 0.90, 1.35)

	want := softLimiter((a + b) * (0.90 / float32(math.Sqrt(2))) * 1.35)
	for _, v := range res.Out {
		assert.InDelta(t, want, v, 0.01)
	}
	assert.Equal(t, 2, res.Active)
}

func TestMixFinitenessUnderHostileInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "n")
		length := rapid.IntRange(1, 16).Draw(t, "len")
		frames := make([][]float32, n)
		for i := range frames {
			frame := make([]float32, length)
			for j := range frame {
				switch rapid.IntRange(0, 4).Draw(t, "kind") {
				case 0:
					frame[j] = float32(math.NaN())
				case 1:
					frame[j] = float32(math.Inf(1))
				case 2:
					frame[j] = float32(math.Inf(-1))
				case 3:
					frame[j] = math.SmallestNonzeroFloat32
				default:
					frame[j] = float32(rapid.Float64Range(-1000, 1000).Draw(t, "v"))
				}
			}
			frames[i] = frame
		}
		res := Mix(frames, 0.9, 1.35)
		for _, v := range res.Out {
			assert.False(t, math.IsNaN(float64(v)))
			assert.False(t, math.IsInf(float64(v), 0))
		}
	})
}

func TestMixZeroFramesAreNotActive(t *testing.T) {
	frames := [][]float32{
		make([]float32, 4),
		make([]float32, 4),
	}
	res := Mix(frames, 0.9, 1.35)
	assert.Equal(t, 0, res.Active)
}
