// Package opuscodec wraps gopkg.in/hraban/opus.v2 behind the narrow
// encoder/decoder surfaces the session worker actually drives: one
// encoder per session, one decoder per speaker, frames fixed at 960
// samples (20 ms) at 48 kHz mono.
package opuscodec

import (
	"fmt"
	"sync"

	opus "gopkg.in/hraban/opus.v2"
)

const (
	SampleRate = 48000
	Channels   = 1
	FrameSize  = 960 // 20 ms @ 48 kHz

	maxPacketBytes = 1275 // RFC 6716 max Opus packet size
	complexity     = 8
)

// encoderBackend is the subset of *opus.Encoder the Encoder drives,
// narrowed for substitution in tests.
type encoderBackend interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetVbr(vbr bool) error
	SetVbrConstraint(constrained bool) error
	SetComplexity(complexity int) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// decoderBackend is the subset of *opus.Decoder the Decoder drives.
// Passing nil data to Decode requests libopus's own PLC extrapolation.
type decoderBackend interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// Tuning is the subset of CodecTuning the encoder is configured and
// re-configured from.
type Tuning struct {
	BitrateBPS  int
	LossPercent int
	InbandFEC   bool
}

// Encoder owns the session's single Opus encoder instance. Bitrate and
// loss-percent may be changed at runtime without recreating it.
type Encoder struct {
	mu      sync.Mutex
	backend encoderBackend
	current Tuning
}

// NewEncoder creates a session encoder at 48 kHz mono, VoIP application,
// configured from the given baseline tuning with VBR, constrained VBR,
// and complexity 8.
func NewEncoder(tuning Tuning) (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: new encoder: %w", err)
	}
	e := &Encoder{backend: enc}
	if err := e.configure(tuning); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encoder) configure(tuning Tuning) error {
	if err := e.backend.SetVbr(true); err != nil {
		return fmt.Errorf("opuscodec: set vbr: %w", err)
	}
	if err := e.backend.SetVbrConstraint(true); err != nil {
		return fmt.Errorf("opuscodec: set vbr constraint: %w", err)
	}
	if err := e.backend.SetComplexity(complexity); err != nil {
		return fmt.Errorf("opuscodec: set complexity: %w", err)
	}
	if err := e.backend.SetBitrate(tuning.BitrateBPS); err != nil {
		return fmt.Errorf("opuscodec: set bitrate: %w", err)
	}
	if err := e.backend.SetPacketLossPerc(tuning.LossPercent); err != nil {
		return fmt.Errorf("opuscodec: set loss percent: %w", err)
	}
	if err := e.backend.SetInBandFEC(tuning.InbandFEC); err != nil {
		return fmt.Errorf("opuscodec: set fec: %w", err)
	}
	e.current = tuning
	return nil
}

// SetBitrate applies a new target bitrate without recreating the
// encoder. On failure the previous value is left current and the error
// is returned for the caller to log.
func (e *Encoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.SetBitrate(bps); err != nil {
		return fmt.Errorf("opuscodec: set bitrate: %w", err)
	}
	e.current.BitrateBPS = bps
	return nil
}

// SetLossPercent applies a new expected-loss hint without recreating
// the encoder.
func (e *Encoder) SetLossPercent(pct int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.SetPacketLossPerc(pct); err != nil {
		return fmt.Errorf("opuscodec: set loss percent: %w", err)
	}
	e.current.LossPercent = pct
	return nil
}

// Current returns the encoder's last-applied tuning.
func (e *Encoder) Current() Tuning {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Encode converts a 960-sample f32 frame in [-1, 1] to i16 and runs the
// Opus encoder, returning the encoded packet.
func (e *Encoder) Encode(frame []float32) ([]byte, error) {
	if len(frame) != FrameSize {
		return nil, fmt.Errorf("opuscodec: encode: frame length %d, want %d", len(frame), FrameSize)
	}
	pcm := f32ToI16(frame)

	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, maxPacketBytes)
	n, err := e.backend.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: encode: %w", err)
	}
	return buf[:n], nil
}

// Mode selects which Decode path the decoder runs.
type Mode int

const (
	ModeNormal Mode = iota // encoded bytes provided
	ModePLC                // no bytes; synthesize concealment
	ModeFEC                // no bytes; recover from the next packet's FEC payload
)

// Decoder owns one speaker's Opus decoder, created lazily on first
// packet and destroyed with the stream.
type Decoder struct {
	backend decoderBackend
}

// NewDecoder creates a speaker decoder at 48 kHz mono.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: new decoder: %w", err)
	}
	return &Decoder{backend: dec}, nil
}

// Decode runs the requested mode and returns a 960-sample f32 frame,
// NaN/Inf-scrubbed to silence.
func (d *Decoder) Decode(mode Mode, payload []byte) ([]float32, error) {
	pcm := make([]int16, FrameSize)

	switch mode {
	case ModeNormal:
		n, err := d.backend.Decode(payload, pcm)
		if err != nil {
			return nil, fmt.Errorf("opuscodec: decode: %w", err)
		}
		pcm = pcm[:n]
	case ModePLC:
		n, err := d.backend.Decode(nil, pcm)
		if err != nil {
			return nil, fmt.Errorf("opuscodec: decode plc: %w", err)
		}
		pcm = pcm[:n]
	case ModeFEC:
		if err := d.backend.DecodeFEC(payload, pcm); err != nil {
			return nil, fmt.Errorf("opuscodec: decode fec: %w", err)
		}
	default:
		return nil, fmt.Errorf("opuscodec: unknown decode mode %d", mode)
	}

	return i16ToF32Scrubbed(pcm), nil
}

func f32ToI16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767)
	}
	return out
}

func i16ToF32Scrubbed(in []int16) []float32 {
	out := make([]float32, FrameSize)
	for i, v := range in {
		out[i] = float32(v) / 32768
	}
	return out
}
