// Package vad implements a hysteretic RMS gate for mono float32 PCM
// audio at 48 kHz, 960-sample (20 ms) frames.
//
// The gate opens when the frame level reaches on_threshold and stays
// open while the level remains above off_threshold (0.7 × on_threshold)
// or a hold counter is still running, giving a monotone-open gate
// without chatter at the speech/silence boundary.
package vad

import "math"

const (
	// DefaultOnThreshold is the RMS level that opens the gate. Platform
	// tuned to the 0.010-0.015 range; the lower end of that range passes
	// quiet speech while still rejecting typical room noise floors.
	DefaultOnThreshold = float32(0.012)

	// offRatio derives the close threshold from the open threshold.
	offRatio = 0.7

	// HoldFrames is the value the hold counter is reset to whenever an
	// open gate sees a frame at or above off_threshold, and so the
	// number of frames the gate stays open after level drops below it.
	HoldFrames = 3
)

// Gate is a single-channel hysteretic voice activity detector.
// Zero value is not usable; use New().
type Gate struct {
	onThreshold  float32
	offThreshold float32
	hold         int // frames remaining before the gate may close
	speaking     bool
	enabled      bool
}

// New returns a Gate with DefaultOnThreshold, enabled by default.
func New() *Gate {
	g := &Gate{enabled: true}
	g.SetOnThreshold(DefaultOnThreshold)
	return g
}

// SetEnabled enables or disables the gate. When disabled, ShouldSend
// always returns true (pass-through mode) and hysteresis state resets.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.hold = 0
		g.speaking = false
	}
}

// Enabled reports whether the gate is currently enabled.
func (g *Gate) Enabled() bool { return g.enabled }

// SetOnThreshold sets the RMS level that opens the gate and derives
// off_threshold = 0.7 × on_threshold.
func (g *Gate) SetOnThreshold(level float32) {
	if level < 0 {
		level = 0
	}
	g.onThreshold = level
	g.offThreshold = level * offRatio
}

// SetLevel sets on_threshold from a [0,100] UI slider value, mapping it
// to an RMS range of [0.001, 0.05] linear amplitude — lower values are
// more sensitive, higher values suppress more.
func (g *Gate) SetLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	g.SetOnThreshold(0.001 + float32(level)/100.0*0.049)
}

// ShouldSend reports whether the frame with the given RMS level should
// be transmitted, advancing the hysteresis state machine.
func (g *Gate) ShouldSend(rms float32) bool {
	if !g.enabled {
		return true
	}

	switch {
	case !g.speaking:
		if rms >= g.onThreshold {
			g.speaking = true
			g.hold = HoldFrames
		}
	case rms >= g.offThreshold:
		g.hold = HoldFrames
	default:
		if g.hold > 0 {
			g.hold--
		} else {
			g.speaking = false
		}
	}

	return g.speaking
}

// Speaking reports the gate's current state without consuming a frame.
func (g *Gate) Speaking() bool { return g.speaking }

// Reset clears hysteresis state without changing thresholds.
func (g *Gate) Reset() {
	g.hold = 0
	g.speaking = false
}

// RMS returns the root-mean-square of a float32 PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
