// Package playback opens a PortAudio output device and drives it from a
// bounded queue of mixed 48 kHz mono samples, pre-buffered and
// prefill-gated. The device is fed by a goroutine that fills the buffer
// and makes a blocking stream Write; the queue is guarded by a mutex, so
// filling is not wait-free.
package playback

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	// queueSeconds is the target queue depth in seconds of audio at
	// device rate.
	queueSeconds = 1.2
	// minCapacity is the floor on queue capacity regardless of device
	// rate, so low sample rates still get a usable buffer.
	minCapacity = 9600
	// prefillMS is how much audio must be queued before the callback
	// starts popping samples instead of emitting silence.
	prefillMS = 45
	// clipThreshold matches the Input Capture counter's convention.
	clipThreshold = 0.995
)

// Device describes one enumerable playback device.
type Device struct {
	ID   int
	Name string
}

// Devices lists all output-capable devices.
func Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("playback: list devices: %w", err)
	}
	var out []Device
	for i, d := range infos {
		if d.MaxOutputChannels > 0 {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// Counters tracks the callback's lifetime totals.
type Counters struct {
	UnderflowEvents  uint64
	OverflowDropped  uint64
	CallbackOverruns uint64
	MaxCallbackNS    int64
	Clipped          uint64
	PeakQueued       int
}

// ring is a bounded sample queue; every operation takes its mutex.
type ring struct {
	mu   sync.Mutex
	buf  []float32
	head int
	len  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float32, capacity)}
}

func (r *ring) push(samples []float32) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		if r.len == len(r.buf) {
			// Drop the oldest sample to make room.
			r.head = (r.head + 1) % len(r.buf)
			r.len--
			dropped++
		}
		tail := (r.head + r.len) % len(r.buf)
		r.buf[tail] = s
		r.len++
	}
	return dropped
}

// pop removes and returns one sample, or ok=false if empty.
func (r *ring) pop() (float32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len == 0 {
		return 0, false
	}
	s := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.len--
	return s, true
}

func (r *ring) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

// Playback owns one open output stream.
type Playback struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
	rate     float64
	frameBudget time.Duration

	queue *ring
	gateArmed atomic.Bool // true until the queue first reaches the prefill threshold

	underflowing atomic.Bool // debounces repeated underflow counting
	volume       atomic.Uint64 // float64 bits, linear gain applied at pop time

	underflowEvents  atomic.Uint64
	overflowDropped  atomic.Uint64
	callbackOverruns atomic.Uint64
	maxCallbackNS    atomic.Int64
	clipped          atomic.Uint64
	peakQueued       atomic.Int64

	running atomic.Bool
}

// Open negotiates the given device (or system default) at its native
// rate, with the given channel count (mono source is broadcast to all
// output channels).
func Open(deviceID, framesPerBuffer, channels int) (*Playback, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("playback: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceID)
	if err != nil {
		return nil, err
	}

	capacity := int(dev.DefaultSampleRate * queueSeconds)
	if capacity < minCapacity {
		capacity = minCapacity
	}

	p := &Playback{
		buf:         make([]float32, framesPerBuffer*channels),
		channels:    channels,
		rate:        dev.DefaultSampleRate,
		frameBudget: time.Duration(float64(framesPerBuffer) / dev.DefaultSampleRate * float64(time.Second)),
		queue:       newRing(capacity),
	}
	p.gateArmed.Store(true)
	p.SetVolume(1.0)

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, p.buf)
	if err != nil {
		return nil, fmt.Errorf("playback: open stream: %w", err)
	}
	p.stream = stream
	return p, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return portaudio.DefaultOutputDevice()
}

// Rate returns the negotiated device sample rate (Hz).
func (p *Playback) Rate() float64 { return p.rate }

// SetVolume sets the linear output gain applied at pop time, clamped to
// [0, 1].
func (p *Playback) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.volume.Store(math.Float64bits(v))
}

// Push enqueues 48 kHz-mono samples already resampled to device rate.
// When the queue is full the oldest sample is dropped to make room.
func (p *Playback) Push(samples []float32) {
	dropped := p.queue.push(samples)
	if dropped > 0 {
		p.overflowDropped.Add(uint64(dropped))
	}
	if size := int64(p.queue.size()); size > p.peakQueued.Load() {
		p.peakQueued.Store(size)
	}
}

// Start begins the write loop on its own goroutine.
func (p *Playback) Start() error {
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("playback: start: %w", err)
	}
	p.running.Store(true)
	go p.writeLoop()
	return nil
}

// Stop halts the stream.
func (p *Playback) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("playback: stop: %w", err)
	}
	return p.stream.Close()
}

func (p *Playback) writeLoop() {
	frames := len(p.buf) / p.channels
	for p.running.Load() {
		start := time.Now()
		p.fill(frames)
		if err := p.stream.Write(); err != nil {
			return
		}
		if elapsed := time.Since(start); elapsed > p.frameBudget {
			p.callbackOverruns.Add(1)
			if elapsed.Nanoseconds() > p.maxCallbackNS.Load() {
				p.maxCallbackNS.Store(elapsed.Nanoseconds())
			}
		}
	}
}

// fill is the writeLoop body run before each stream Write: pops one
// sample per output frame (taking the queue's mutex), broadcasts to
// every channel, clamps, and applies the prefill gate.
func (p *Playback) fill(frames int) {
	vol := float32(math.Float64frombits(p.volume.Load()))

	prefillSamples := int(p.rate * prefillMS / 1000)

	for i := 0; i < frames; i++ {
		if p.gateArmed.Load() {
			if p.queue.size() < prefillSamples {
				p.emitSilence(i)
				continue
			}
			p.gateArmed.Store(false)
		}

		s, ok := p.queue.pop()
		if !ok {
			if p.underflowing.CompareAndSwap(false, true) {
				p.underflowEvents.Add(1)
			}
			p.gateArmed.Store(true)
			p.emitSilence(i)
			continue
		}
		p.underflowing.Store(false)

		s *= vol
		if s > 1 {
			s = 1
			p.clipped.Add(1)
		} else if s < -1 {
			s = -1
			p.clipped.Add(1)
		}
		for ch := 0; ch < p.channels; ch++ {
			p.buf[i*p.channels+ch] = s
		}
	}
}

func (p *Playback) emitSilence(frame int) {
	for ch := 0; ch < p.channels; ch++ {
		p.buf[frame*p.channels+ch] = 0
	}
}

// Counters returns the lifetime counters.
func (p *Playback) Counters() Counters {
	return Counters{
		UnderflowEvents:  p.underflowEvents.Load(),
		OverflowDropped:  p.overflowDropped.Load(),
		CallbackOverruns: p.callbackOverruns.Load(),
		MaxCallbackNS:    p.maxCallbackNS.Load(),
		Clipped:          p.clipped.Load(),
		PeakQueued:       int(p.peakQueued.Load()),
	}
}
