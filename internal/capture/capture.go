// Package capture opens a PortAudio input device and turns its callback
// into a single-producer single-consumer stream of mono float32 chunks.
// PortAudio performs the host sample-format negotiation
// (int8/16/32, float32/64) on our behalf since the stream is opened
// against a float32 buffer; the callback itself only converts, clips,
// and forwards.
package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// clipThreshold matches the Output Playback counter's convention so
// input and output clip counts are comparable.
const clipThreshold = 0.995

// queueDepth bounds the chunk queue; at typical 10-20ms FramesPerBuffer
// sizes this holds several hundred ms of backlog before chunks drop.
const queueDepth = 64

// Device describes one enumerable capture device.
type Device struct {
	ID   int
	Name string
}

// Devices lists all input-capable devices.
func Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	var out []Device
	for i, d := range infos {
		if d.MaxInputChannels > 0 {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// Counters tracks the capture callback's lifetime totals.
type Counters struct {
	Delivered uint64
	Dropped   uint64
	Clipped   uint64
}

// Capture owns one open input stream.
type Capture struct {
	stream *portaudio.Stream
	buf    []float32
	rate   float64

	queue chan []float32

	delivered atomic.Uint64
	dropped   atomic.Uint64
	clipped   atomic.Uint64
	running   atomic.Bool
}

// Open negotiates the given device (or the system default when deviceID
// is negative) at its native rate with the requested frames-per-buffer
// chunk size, mono.
func Open(deviceID, framesPerBuffer int) (*Capture, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}

	dev, err := resolveDevice(devices, deviceID)
	if err != nil {
		return nil, err
	}

	c := &Capture{
		buf:   make([]float32, framesPerBuffer),
		rate:  dev.DefaultSampleRate,
		queue: make(chan []float32, queueDepth),
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		return nil, fmt.Errorf("capture: open stream: %w", err)
	}
	c.stream = stream
	return c, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return portaudio.DefaultInputDevice()
}

// Rate returns the negotiated device sample rate (Hz).
func (c *Capture) Rate() float64 { return c.rate }

// Start begins the blocking read loop on its own goroutine. The caller
// drains chunks via DrainSamples.
func (c *Capture) Start() error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	c.running.Store(true)
	go c.readLoop()
	return nil
}

// Stop halts the stream; the read loop observes the stopped stream and
// exits on its next Read error.
func (c *Capture) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := c.stream.Stop(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return c.stream.Close()
}

func (c *Capture) readLoop() {
	for c.running.Load() {
		if err := c.stream.Read(); err != nil {
			return
		}
		c.deliver(c.process())
	}
}

// process converts the device buffer to a standalone mono chunk,
// counting clipped samples. Must stay allocation-light and non-blocking
// — it runs on the capture thread.
func (c *Capture) process() []float32 {
	out := make([]float32, len(c.buf))
	for i, s := range c.buf {
		if s >= clipThreshold || s <= -clipThreshold {
			c.clipped.Add(1)
		}
		out[i] = s
	}
	return out
}

func (c *Capture) deliver(chunk []float32) {
	select {
	case c.queue <- chunk:
		c.delivered.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// DrainSamples moves all chunks queued since the last call into the
// returned slice, without blocking. Called from the session worker's
// media tick to feed the frame accumulator.
func (c *Capture) DrainSamples() [][]float32 {
	var out [][]float32
	for {
		select {
		case chunk := <-c.queue:
			out = append(out, chunk)
		default:
			return out
		}
	}
}

// Counters returns the lifetime delivered/dropped/clipped totals.
func (c *Capture) Counters() Counters {
	return Counters{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Clipped:   c.clipped.Load(),
	}
}
