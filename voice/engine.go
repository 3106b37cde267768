package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/MasonKomo/Harmony/internal/capture"
	"github.com/MasonKomo/Harmony/internal/playback"
)

// framesPerBuffer is the PortAudio callback size used for both capture
// and playback; chosen so readLoop/writeLoop run at the same cadence
// as the Session Worker's 20ms media tick.
const framesPerBuffer = 960

// AudioDevice is the UI-facing shape of an enumerable capture/playback
// device.
type AudioDevice struct {
	ID   int
	Name string
}

// Engine is the public surface a frontend drives: it owns the audio
// devices and the Session Worker, translating device-level concerns
// (open/close, enumeration) into the Worker's AudioSource/AudioSink
// interfaces. Keep this struct thin — delegate to Worker and the
// internal audio packages.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	worker *Worker
	cancel context.CancelFunc

	capture  *capture.Capture
	playback *playback.Playback
}

// NewEngine returns an Engine configured from cfg but not yet
// connected.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// InputDevices lists available capture devices.
func InputDevices() ([]AudioDevice, error) {
	devices, err := capture.Devices()
	if err != nil {
		return nil, err
	}
	return toAudioDevices(devices, func(d capture.Device) (int, string) { return d.ID, d.Name }), nil
}

// OutputDevices lists available playback devices.
func OutputDevices() ([]AudioDevice, error) {
	devices, err := playback.Devices()
	if err != nil {
		return nil, err
	}
	return toAudioDevices(devices, func(d playback.Device) (int, string) { return d.ID, d.Name }), nil
}

func toAudioDevices[T any](devices []T, fields func(T) (int, string)) []AudioDevice {
	out := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		id, name := fields(d)
		out = append(out, AudioDevice{ID: id, Name: name})
	}
	return out
}

// Connect opens the configured audio devices and starts the Session
// Worker's reconnect loop against serverAddr in the background. It
// returns once devices are open and the worker goroutine has been
// launched — not once a session is established; watch Events().Connection
// for that.
func (e *Engine) Connect(ctx context.Context, serverAddr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.worker != nil {
		return fmt.Errorf("voice: already connected")
	}

	capt, err := capture.Open(e.cfg.InputDeviceID, framesPerBuffer)
	if err != nil {
		return Wrap(KindAudio, fmt.Errorf("open capture: %w", err))
	}
	if err := capt.Start(); err != nil {
		return Wrap(KindAudio, fmt.Errorf("start capture: %w", err))
	}

	play, err := playback.Open(e.cfg.OutputDeviceID, framesPerBuffer, 1)
	if err != nil {
		capt.Stop()
		return Wrap(KindAudio, fmt.Errorf("open playback: %w", err))
	}
	play.SetVolume(e.cfg.OutputVolume)
	if err := play.Start(); err != nil {
		capt.Stop()
		return Wrap(KindAudio, fmt.Errorf("start playback: %w", err))
	}

	e.capture = capt
	e.playback = play

	worker := NewWorker(e.cfg, serverAddr, capt, play, NewMetrics(nil))
	worker.OnInputDeviceChange = e.reopenCapture
	worker.OnOutputDeviceChange = e.reopenPlayback
	e.worker = worker

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go worker.Run(runCtx)

	return nil
}

// Disconnect asks the worker to end the session cleanly and tears down
// the audio devices. Safe to call even if Connect was never called.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
}

func (e *Engine) disconnectLocked() {
	if e.worker != nil {
		e.worker.Send(DisconnectCommand{})
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.capture != nil {
		e.capture.Stop()
		e.capture = nil
	}
	if e.playback != nil {
		e.playback.Stop()
		e.playback = nil
	}
	e.worker = nil
}

// reopenCapture satisfies Worker.OnInputDeviceChange: it swaps the live
// capture device without the Worker knowing anything about PortAudio.
func (e *Engine) reopenCapture(deviceID int) (AudioSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := capture.Open(deviceID, framesPerBuffer)
	if err != nil {
		return nil, err
	}
	if err := next.Start(); err != nil {
		return nil, err
	}
	if e.capture != nil {
		e.capture.Stop()
	}
	e.capture = next
	return next, nil
}

// reopenPlayback satisfies Worker.OnOutputDeviceChange.
func (e *Engine) reopenPlayback(deviceID int) (AudioSink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := playback.Open(deviceID, framesPerBuffer, 1)
	if err != nil {
		return nil, err
	}
	next.SetVolume(e.cfg.OutputVolume)
	if err := next.Start(); err != nil {
		return nil, err
	}
	if e.playback != nil {
		e.playback.Stop()
	}
	e.playback = next
	return next, nil
}

// Events returns the worker's event sink, or nil if not yet connected.
func (e *Engine) Events() *EventSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker == nil {
		return nil
	}
	return e.worker.Events()
}

// Connected reports whether Connect has been called without a matching
// Disconnect.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker != nil
}

func (e *Engine) send(cmd Command) {
	e.mu.Lock()
	w := e.worker
	e.mu.Unlock()
	if w != nil {
		w.Send(cmd)
	}
}

// SetMute mutes or unmutes the local microphone.
func (e *Engine) SetMute(muted bool) { e.send(SetMuteCommand{Muted: muted}) }

// SetDeafen mutes or unmutes local playback (and, per cfg.AutoMuteOnDeafen,
// the microphone too).
func (e *Engine) SetDeafen(deafened bool) { e.send(SetDeafenCommand{Deafened: deafened}) }

// SetPTTEnabled switches between push-to-talk and VAD-gated transmission.
func (e *Engine) SetPTTEnabled(enabled bool) { e.send(SetPTTEnabledCommand{Enabled: enabled}) }

// PTTKeyDown signals the push-to-talk hotkey was pressed. No-op unless
// PTT is enabled.
func (e *Engine) PTTKeyDown() { e.send(SetPTTTransmittingCommand{Transmitting: true}) }

// PTTKeyUp signals the push-to-talk hotkey was released.
func (e *Engine) PTTKeyUp() { e.send(SetPTTTransmittingCommand{Transmitting: false}) }

// SetPTTHotkey records the configured hotkey name; actual key-event
// detection is this package's caller's responsibility (a platform
// hotkey listener calling PTTKeyDown/PTTKeyUp).
func (e *Engine) SetPTTHotkey(hotkey string) { e.send(SetPTTHotkeyCommand{Hotkey: hotkey}) }

// SetInputDevice switches the live capture device.
func (e *Engine) SetInputDevice(deviceID int) { e.send(SetInputDeviceCommand{DeviceID: deviceID}) }

// SetOutputDevice switches the live playback device.
func (e *Engine) SetOutputDevice(deviceID int) { e.send(SetOutputDeviceCommand{DeviceID: deviceID}) }

// QueueSoundboardSamples enqueues already-decoded 48kHz mono samples to
// be premixed into the next outgoing media ticks.
func (e *Engine) QueueSoundboardSamples(clipID string, samples []float32) {
	e.send(QueueSoundboardSamplesCommand{ClipID: clipID, Samples: samples})
}

// SendMessage sends a text message, optionally scoped to a channel.
func (e *Engine) SendMessage(message string, channelID *uint32) {
	e.send(SendMessageCommand{Message: message, ChannelID: channelID})
}
