package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateOpensAtOnThreshold(t *testing.T) {
	g := New()
	g.SetOnThreshold(0.01)
	assert.False(t, g.ShouldSend(0.005))
	assert.True(t, g.ShouldSend(0.011))
}

func TestGateHoldsThroughOffBand(t *testing.T) {
	g := New()
	g.SetOnThreshold(0.01) // off = 0.007
	require := assert.New(t)
	require.True(g.ShouldSend(0.02)) // opens

	// Below off_threshold: hold counter ticks down for HoldFrames frames
	// before the gate closes.
	for i := 0; i < HoldFrames; i++ {
		require.True(g.ShouldSend(0.0), "still held at frame %d", i)
	}
	require.False(g.ShouldSend(0.0), "closes once hold expires")
}

func TestGateStaysOpenAboveOffThreshold(t *testing.T) {
	g := New()
	g.SetOnThreshold(0.01) // off = 0.007
	g.ShouldSend(0.02)     // opens
	for i := 0; i < 50; i++ {
		assert.True(t, g.ShouldSend(0.008)) // above off, stays open indefinitely
	}
}

func TestGateDisabledIsPassthrough(t *testing.T) {
	g := New()
	g.SetEnabled(false)
	assert.True(t, g.ShouldSend(0))
	assert.True(t, g.ShouldSend(1))
}

func TestRMSOfSilence(t *testing.T) {
	assert.Equal(t, float32(0), RMS(make([]float32, 10)))
}

func TestRMSOfConstant(t *testing.T) {
	frame := make([]float32, 4)
	for i := range frame {
		frame[i] = 0.5
	}
	assert.InDelta(t, 0.5, RMS(frame), 1e-6)
}
