package voice

import (
	"context"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/MasonKomo/Harmony/internal/adapt"
	"github.com/MasonKomo/Harmony/internal/badge"
	"github.com/MasonKomo/Harmony/internal/config"
	"github.com/MasonKomo/Harmony/internal/crypt"
	"github.com/MasonKomo/Harmony/internal/jitter"
	"github.com/MasonKomo/Harmony/internal/mixer"
	"github.com/MasonKomo/Harmony/internal/opuscodec"
	"github.com/MasonKomo/Harmony/internal/rateconvert"
	"github.com/MasonKomo/Harmony/internal/soundboard"
	"github.com/MasonKomo/Harmony/internal/vad"
)

// Timing constants for the Session Worker's inner loop.
const (
	mediaTickMs          = 20
	mediaTickInterval    = mediaTickMs * time.Millisecond
	controlPingInterval  = 10 * time.Second
	udpPingInterval      = 5 * time.Second
	speakingTickInterval = 180 * time.Millisecond
	speakingMaxAge       = 650 * time.Millisecond

	maxReconnectAttemptForDelay = 5
	protocolVersionMajor        = 1
	protocolVersionMinor        = 4
	protocolVersionPatch        = 0

	// txHeadroomGain/txLimiterDrive are the outgoing mix's fixed gain
	// stage applied to the mic+soundboard sum before the VAD level check
	// and Opus encode.
	txHeadroomGain = float32(0.92)
	txLimiterDrive = float32(1.25)
)

// reconnectDelay computes the outer loop's backoff: 2^min(attempt,5)
// seconds (testable property #1).
func reconnectDelay(attempt int) time.Duration {
	if attempt > maxReconnectAttemptForDelay {
		attempt = maxReconnectAttemptForDelay
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// nextConnectingState reports Connecting only for a session's very
// first attempt; every later attempt, including the first attempt of
// a worker that previously connected and then dropped, reports
// Reconnecting (testable property #2).
func nextConnectingState(reconnectAttempt int, hasConnectedOnce bool) ConnectionState {
	if reconnectAttempt == 0 && !hasConnectedOnce {
		return StateConnecting
	}
	return StateReconnecting
}

// AudioSource is the capture-side interface the worker pulls
// microphone chunks from; internal/capture.Capture satisfies it.
type AudioSource interface {
	DrainSamples() [][]float32
	Rate() float64
}

// AudioSink is the playback-side interface the worker pushes mixed
// audio to; internal/playback.Playback satisfies it.
type AudioSink interface {
	Push(samples []float32)
	Rate() float64
}

// Command is the sealed set of live session requests the Engine may
// send a running Worker (mirrors the reference client's command enum).
type Command interface{ isCommand() }

type SetMuteCommand struct{ Muted bool }
type SetDeafenCommand struct{ Deafened bool }
type SetPTTEnabledCommand struct{ Enabled bool }
type SetPTTTransmittingCommand struct{ Transmitting bool }
type SetInputDeviceCommand struct{ DeviceID int }
type SetOutputDeviceCommand struct{ DeviceID int }
type SetPTTHotkeyCommand struct{ Hotkey string }
type QueueSoundboardSamplesCommand struct {
	ClipID  string
	Samples []float32
}
type SendMessageCommand struct {
	Message   string
	ChannelID *uint32
}
type DisconnectCommand struct{}

func (SetMuteCommand) isCommand()                {}
func (SetDeafenCommand) isCommand()              {}
func (SetPTTEnabledCommand) isCommand()          {}
func (SetPTTTransmittingCommand) isCommand()     {}
func (SetInputDeviceCommand) isCommand()         {}
func (SetOutputDeviceCommand) isCommand()        {}
func (SetPTTHotkeyCommand) isCommand()           {}
func (QueueSoundboardSamplesCommand) isCommand() {}
func (SendMessageCommand) isCommand()            {}
func (DisconnectCommand) isCommand()             {}

// EventSink is where the Worker publishes UI-facing state. Every send
// is non-blocking (drops the event rather than stalling the session)
// so a slow or absent UI consumer never backs up the media path.
type EventSink struct {
	Connection chan ConnectionEvent
	Roster     chan RosterEvent
	Self       chan SelfEvent
	Message    chan MessageEvent
	Speaking   chan SpeakingEvent
}

// NewEventSink allocates a sink with reasonably deep buffers.
func NewEventSink() *EventSink {
	return &EventSink{
		Connection: make(chan ConnectionEvent, 8),
		Roster:     make(chan RosterEvent, 8),
		Self:       make(chan SelfEvent, 8),
		Message:    make(chan MessageEvent, 32),
		Speaking:   make(chan SpeakingEvent, 32),
	}
}

func publish[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
	default:
	}
}

// Worker runs one voice session's full lifecycle: the outer reconnect
// loop and, per connection attempt, the inner loop that multiplexes
// commands, timers, and network receipt.
type Worker struct {
	cfg        Config
	serverAddr string
	commands   chan Command
	events     *EventSink
	metrics    *Metrics

	captureSource AudioSource
	playbackSink  AudioSink

	// soundQueue is owned by the Worker rather than sessionState: queued
	// clips must survive a reconnect instead of being dropped when the
	// inner session restarts.
	soundQueue *soundboard.Queue

	// OnInputDeviceChange/OnOutputDeviceChange let the Engine swap the
	// live audio device without the Worker knowing about portaudio.
	OnInputDeviceChange  func(deviceID int) (AudioSource, error)
	OnOutputDeviceChange func(deviceID int) (AudioSink, error)

	selfState SelfEvent
	pttHotkey string

	// warnLimiter caps how often the audio/transport failure paths below
	// log a warning, so a sustained run of decrypt or codec errors on a
	// degraded link doesn't flood stderr one line per packet.
	warnLimiter *rate.Limiter
}

// NewWorker builds a Worker ready to Run. capture/playback may be nil
// (e.g. in tests exercising only the control/roster paths), in which
// case the media tick skips the corresponding direction.
func NewWorker(cfg Config, serverAddr string, capture AudioSource, playback AudioSink, metrics *Metrics) *Worker {
	return &Worker{
		cfg:           cfg,
		serverAddr:    serverAddr,
		commands:      make(chan Command, 16),
		events:        NewEventSink(),
		metrics:       metrics,
		captureSource: capture,
		playbackSink:  playback,
		soundQueue:    soundboard.New(),
		selfState:     SelfEvent{PttEnabled: cfg.PTTEnabled},
		pttHotkey:     cfg.PTTHotkey,
		warnLimiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// PTTHotkey returns the currently configured push-to-talk hotkey. Actual
// key-down/key-up detection is an external collaborator's concern (the
// Engine's caller drives Engine.PTTKeyDown/PTTKeyUp, which send
// SetPTTTransmittingCommand); the Worker only remembers the setting.
func (w *Worker) PTTHotkey() string { return w.pttHotkey }

// Events returns the channel set the Engine forwards to its own
// subscribers.
func (w *Worker) Events() *EventSink { return w.events }

// Send enqueues a command for the running (or about-to-retry) worker.
// Never blocks indefinitely: the command channel is large enough that
// a full UI-driven session won't fill it between media ticks.
func (w *Worker) Send(cmd Command) { w.commands <- cmd }

func (w *Worker) publishConnection(state ConnectionState, reason string) {
	publish(w.events.Connection, ConnectionEvent{State: state, Reason: reason})
}

// Run drives the outer reconnect loop until ctx is canceled or a
// DisconnectCommand is received, either between attempts or inside an
// active session.
func (w *Worker) Run(ctx context.Context) {
	hasConnectedOnce := false
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.publishConnection(nextConnectingState(attempt, hasConnectedOnce), "")
		logger := newSessionLogger(w.serverAddr, attempt)

		tr, err := Dial(ctx, w.serverAddr, w.cfg.InsecureTLS)
		if err != nil {
			logger.Warn("dial failed", "err", err)
			w.metrics.RecordReconnectAttempt()
			w.publishConnection(StateDisconnected, err.Error())
			if !w.waitForRetryOrDisconnect(ctx, reconnectDelay(attempt)) {
				return
			}
			attempt++
			continue
		}

		roster := NewRoster(w.cfg.DefaultChannel)
		if err := w.handshake(tr, roster); err != nil {
			logger.Warn("handshake failed", "err", err)
			tr.Close()
			w.metrics.RecordReconnectAttempt()
			w.publishConnection(StateDisconnected, err.Error())
			if !w.waitForRetryOrDisconnect(ctx, reconnectDelay(attempt)) {
				return
			}
			attempt++
			continue
		}

		hasConnectedOnce = true
		attempt = 0
		logger.Info("session established")
		w.publishConnection(StateConnected, "")

		reason, userDisconnected := w.runSession(ctx, tr, roster, logger)
		tr.Close()

		if userDisconnected {
			logger.Info("session ended by local disconnect")
			w.publishConnection(StateDisconnected, "")
			return
		}

		logger.Warn("session ended, will reconnect", "reason", reason)
		w.publishConnection(StateDisconnected, reason)
		w.metrics.RecordReconnectAttempt()
		attempt++
		if !w.waitForRetryOrDisconnect(ctx, reconnectDelay(attempt)) {
			return
		}
	}
}

// waitForRetryOrDisconnect blocks for delay, applying any commands that
// arrive in the meantime (so a mute toggled while offline takes effect
// on the next connection) and returning false if the caller should
// stop entirely.
func (w *Worker) waitForRetryOrDisconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case cmd := <-w.commands:
			if _, ok := cmd.(DisconnectCommand); ok {
				return false
			}
			w.applyCommand(nil, cmd)
		}
	}
}

// handshake sends Version/Authenticate and consumes control messages
// until ServerSync (success) or Reject/a transport error (failure).
// Messages that arrive before sync (channel/user state) are still
// applied to roster so the first published roster snapshot is complete.
func (w *Worker) handshake(tr *Transport, roster *Roster) error {
	if err := tr.SendControl(MsgVersion, VersionMessage{
		Version: PackVersion(protocolVersionMajor, protocolVersionMinor, protocolVersionPatch),
		Release: "Harmony",
		OS:      runtime.GOOS,
		OSVer:   runtime.Version(),
	}); err != nil {
		return err
	}

	auth := config.DeriveAuthProfile(w.cfg)
	if err := tr.SendControl(MsgAuthenticate, AuthenticateMessage{
		Username: auth.Username,
		Password: auth.Password,
		Opus:     true,
	}); err != nil {
		return err
	}

	for {
		msgType, raw, err := tr.ReadControl()
		if err != nil {
			return err
		}

		if msgType == MsgReject {
			var reject RejectMessage
			if err := Decode(msgType, raw, &reject); err != nil {
				return err
			}
			return Errorf(KindProtocol, "server rejected connection: %s", reject.Reason)
		}

		if msgType == MsgServerSync {
			var sync ServerSyncMessage
			if err := Decode(msgType, raw, &sync); err != nil {
				return err
			}
			roster.SetSelfSession(sync.Session)
			if codes, ok := w.cfg.BadgeProfiles[w.cfg.Nickname]; ok {
				comment := badge.Encode(codes)
				if err := tr.SendControl(MsgUserState, UserStateMessage{Session: &sync.Session, Comment: &comment}); err != nil {
					return err
				}
			}
			return nil
		}

		w.applyControlMessage(tr, roster, nil, msgType, raw)
	}
}

// controlEnvelope carries one control-stream read result to the inner
// select loop.
type controlEnvelope struct {
	msgType MessageType
	raw     []byte
	err     error
}

func (w *Worker) runControlReader(tr *Transport, out chan<- controlEnvelope) {
	for {
		msgType, raw, err := tr.ReadControl()
		out <- controlEnvelope{msgType: msgType, raw: raw, err: err}
		if err != nil {
			return
		}
	}
}

func (w *Worker) runUDPReader(ctx context.Context, tr *Transport, out chan<- []byte, logger *log.Logger) {
	for {
		plaintext, err := tr.ReceiveVoiceUDP()
		if err != nil {
			if w.warnLimiter.Allow() {
				logger.Debug("udp voice receive failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		select {
		case out <- plaintext:
		case <-ctx.Done():
			return
		}
	}
}

// sessionState holds everything scoped to one connection attempt's
// inner loop — recreated fresh on every reconnect.
type sessionState struct {
	roster   *Roster
	quality  *QualityController
	encoder  *opuscodec.Encoder
	decoders  map[uint32]*opuscodec.Decoder
	jitterBuf *jitter.Buffer
	vadGate   *vad.Gate

	inputResampler  *rateconvert.Resampler
	outputResampler *rateconvert.Resampler
	pendingCapture  []float32

	outgoingSeq uint64
}

func newSessionState(cfg Config, roster *Roster, captureSource AudioSource, playbackSink AudioSink) (*sessionState, error) {
	encoder, err := opuscodec.NewEncoder(opuscodec.Tuning{
		BitrateBPS:  cfg.OpusBitrateBPS,
		LossPercent: cfg.LossPercent,
		InbandFEC:   cfg.InbandFEC,
	})
	if err != nil {
		return nil, Wrap(KindCodec, err)
	}

	s := &sessionState{
		roster:    roster,
		quality:   NewQualityController(adapt.Baseline{BitrateBPS: cfg.OpusBitrateBPS, LossPercent: cfg.LossPercent, JitterTargetFrames: cfg.JitterTargetFrames, JitterMaxFrames: cfg.JitterMaxFrames}),
		encoder:   encoder,
		decoders:  make(map[uint32]*opuscodec.Decoder),
		jitterBuf: jitter.New(cfg.JitterTargetFrames, cfg.JitterMaxFrames),
		vadGate:   vad.New(),
	}

	if captureSource != nil {
		r, err := rateconvert.New(int(captureSource.Rate()), opuscodec.SampleRate)
		if err != nil {
			return nil, Wrap(KindAudio, err)
		}
		s.inputResampler = r
	}
	if playbackSink != nil {
		r, err := rateconvert.New(opuscodec.SampleRate, int(playbackSink.Rate()))
		if err != nil {
			return nil, Wrap(KindAudio, err)
		}
		s.outputResampler = r
	}

	return s, nil
}

func (s *sessionState) decoderFor(session uint32) (*opuscodec.Decoder, error) {
	if d, ok := s.decoders[session]; ok {
		return d, nil
	}
	d, err := opuscodec.NewDecoder()
	if err != nil {
		return nil, err
	}
	s.decoders[session] = d
	return d, nil
}

// runSession runs the inner select loop over commands, timers, and
// network receipt until a fatal error, DisconnectCommand, or ctx
// cancellation ends it.
func (w *Worker) runSession(ctx context.Context, tr *Transport, roster *Roster, logger *log.Logger) (reason string, userDisconnected bool) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state, err := newSessionState(w.cfg, roster, w.captureSource, w.playbackSink)
	if err != nil {
		return err.Error(), false
	}

	controlCh := make(chan controlEnvelope, 4)
	udpCh := make(chan []byte, 32)
	go w.runControlReader(tr, controlCh)
	go w.runUDPReader(sessionCtx, tr, udpCh, logger)

	mediaTicker := time.NewTicker(mediaTickInterval)
	defer mediaTicker.Stop()
	controlPingTicker := time.NewTicker(controlPingInterval)
	defer controlPingTicker.Stop()
	udpPingTicker := time.NewTicker(udpPingInterval)
	defer udpPingTicker.Stop()
	speakingTicker := time.NewTicker(speakingTickInterval)
	defer speakingTicker.Stop()
	qualityTicker := time.NewTicker(time.Second)
	defer qualityTicker.Stop()
	var pingCounters crypt.Counters

	publish(w.events.Roster, roster.BuildRosterEvent())
	w.publishSelf()

	sawAudioThisTick := make(map[uint32]bool)

	for {
		select {
		case <-ctx.Done():
			return "", true

		case cmd := <-w.commands:
			if _, ok := cmd.(DisconnectCommand); ok {
				return "", true
			}
			w.applyCommand(tr, cmd)

		case env := <-controlCh:
			if env.err != nil {
				return env.err.Error(), false
			}
			if fatal := w.applyControlMessage(tr, roster, state, env.msgType, env.raw); fatal != nil {
				return fatal.Error(), false
			}

		case packet := <-udpCh:
			w.ingestVoicePacket(state, roster, packet, sawAudioThisTick)

		case <-qualityTicker.C:
			counters := tr.CryptState().ResetCounters()
			pingCounters.Good += counters.Good
			pingCounters.Late += counters.Late
			pingCounters.Lost += counters.Lost
			w.metrics.RecordPacketCounters(counters.Good, counters.Late, counters.Lost)
			tuned := state.quality.Sample(counters)
			w.metrics.RecordTuning(tuned.BitrateBPS, tuned.LossPercent, tuned.JitterTargetFrames, state.quality.SmoothedLossRate())
			state.encoder.SetBitrate(tuned.BitrateBPS)
			state.encoder.SetLossPercent(tuned.LossPercent)
			state.jitterBuf.SetDepth(tuned.JitterTargetFrames, tuned.JitterMaxFrames)

		case <-controlPingTicker.C:
			if err := w.sendPing(tr, pingCounters); err != nil {
				return err.Error(), false
			}
			pingCounters = crypt.Counters{}

		case <-udpPingTicker.C:
			// A UDP ping keeps NAT bindings alive and exercises the
			// path even when no one is currently speaking. A failure
			// here triggers the same degrade policy as a voice send
			// error, but is not itself session-fatal.
			if _, err := tr.udp.Write(EncodeVoicePacket(VoicePacket{Target: 0})); err != nil {
				logger.Debug("udp ping failed", "err", err)
				tr.degrade()
			}

		case <-speakingTicker.C:
			for _, ev := range roster.ExpireSpeaking(time.Now(), speakingMaxAge) {
				publish(w.events.Speaking, ev)
			}

		case <-mediaTicker.C:
			w.pumpOutgoingAudio(tr, state, logger)
			w.pumpIncomingAudio(state, roster, sawAudioThisTick, logger)
			sawAudioThisTick = make(map[uint32]bool)
			if err := w.maybeJoinDefaultChannel(tr, roster); err != nil {
				return err.Error(), false
			}
		}
	}
}

// ingestVoicePacket decrypts-adjacent bookkeeping is already done by
// the UDP reader; here we just parse the plaintext voice packet and
// feed the jitter buffer.
func (w *Worker) ingestVoicePacket(state *sessionState, roster *Roster, plaintext []byte, sawAudioThisTick map[uint32]bool) {
	pkt, err := DecodeVoicePacket(plaintext)
	if err != nil {
		return
	}
	state.jitterBuf.Push(pkt.Session, pkt.Sequence, pkt.Opus)
	sawAudioThisTick[pkt.Session] = true

	if ev := roster.MaybeMarkSpeaking(pkt.Session, time.Now()); ev != nil {
		publish(w.events.Speaking, *ev)
	}
}

// pumpOutgoingAudio drains captured microphone audio, premixes any
// queued soundboard clip on top of it at the fixed TX headroom/limiter
// stage, gates the mixed signal through VAD/PTT, encodes
// complete 20ms frames, and sends them. A transmitting→silent
// transition emits one final terminator frame so decoders on the other
// end stop concealing immediately instead of waiting out jitter.
func (w *Worker) pumpOutgoingAudio(tr *Transport, state *sessionState, logger *log.Logger) {
	if w.captureSource == nil || w.selfState.Muted {
		return
	}

	for _, chunk := range w.captureSource.DrainSamples() {
		converted := state.inputResampler.Process(chunk)
		state.pendingCapture = append(state.pendingCapture, converted...)
	}

	for len(state.pendingCapture) >= opuscodec.FrameSize {
		frame := state.pendingCapture[:opuscodec.FrameSize]
		state.pendingCapture = append([]float32{}, state.pendingCapture[opuscodec.FrameSize:]...)

		mixFrames := [][]float32{frame}
		if soundSamples := w.soundQueue.Drain(opuscodec.FrameSize); len(soundSamples) > 0 {
			padded := make([]float32, opuscodec.FrameSize)
			for i, s := range soundSamples {
				padded[i] = s * soundboard.PremixGain
			}
			mixFrames = append(mixFrames, padded)
		}
		mixed := mixer.Mix(mixFrames, txHeadroomGain, txLimiterDrive).Out

		wasTransmitting := w.selfState.Transmitting
		transmitting := w.shouldTransmit(state, mixed)
		w.setTransmitting(transmitting)
		if !transmitting {
			if wasTransmitting {
				w.sendTerminationFrame(tr, state)
			}
			continue
		}

		opusPayload, err := state.encoder.Encode(mixed)
		if err != nil {
			if w.warnLimiter.Allow() {
				logger.Debug("opus encode failed", "err", err)
			}
			continue
		}

		state.outgoingSeq += jitter.FrameStep
		packet := EncodeVoicePacket(VoicePacket{Sequence: state.outgoingSeq, Opus: opusPayload, Terminator: false})
		tr.SendVoice(packet) //nolint:errcheck -- SendVoice already tunnels/degrades internally; a hard failure surfaces on the next control read
	}
}

// sendTerminationFrame encodes one frame of silence marked Terminator
// so the remote jitter buffer ends this talk-spurt immediately.
func (w *Worker) sendTerminationFrame(tr *Transport, state *sessionState) {
	opusPayload, err := state.encoder.Encode(make([]float32, opuscodec.FrameSize))
	if err != nil {
		return
	}
	state.outgoingSeq += jitter.FrameStep
	packet := EncodeVoicePacket(VoicePacket{Sequence: state.outgoingSeq, Opus: opusPayload, Terminator: true})
	tr.SendVoice(packet) //nolint:errcheck
}

func (w *Worker) shouldTransmit(state *sessionState, mixedFrame []float32) bool {
	if w.selfState.PttEnabled {
		return w.selfState.Transmitting
	}
	return state.vadGate.ShouldSend(vad.RMS(mixedFrame))
}

func (w *Worker) setTransmitting(transmitting bool) {
	if w.selfState.PttEnabled {
		return // PTT owns Transmitting directly via SetPTTTransmittingCommand
	}
	if w.selfState.Transmitting == transmitting {
		return
	}
	w.selfState.Transmitting = transmitting
	w.publishSelf()
}

// pumpIncomingAudio drains the jitter buffer for every active speaker,
// decodes (or conceals) each speaker's frame for this tick, mixes them,
// and pushes the result to playback. Soundboard audio is premixed on
// the outgoing side instead: it's meant to be heard by
// other participants, not just locally.
func (w *Worker) pumpIncomingAudio(state *sessionState, roster *Roster, sawAudioThisTick map[uint32]bool, logger *log.Logger) {
	if w.playbackSink == nil || w.selfState.Deafened {
		return
	}

	force := make(map[uint32]bool)
	for session := range state.decoders {
		if !sawAudioThisTick[session] {
			force[session] = true
		}
	}

	drained := state.jitterBuf.Drain(force)
	if len(drained) == 0 {
		return
	}

	var frames [][]float32
	for session, decodes := range drained {
		decoder, err := state.decoderFor(session)
		if err != nil {
			if w.warnLimiter.Allow() {
				logger.Debug("no decoder for session", "session", session, "err", err)
			}
			continue
		}
		for _, d := range decodes {
			var pcm []float32
			var err error
			switch d.Action {
			case jitter.ActionFrame:
				pcm, err = decoder.Decode(opuscodec.ModeNormal, d.Opus)
			case jitter.ActionConceal:
				pcm, err = decoder.Decode(opuscodec.ModePLC, nil)
			}
			if err != nil {
				if w.warnLimiter.Allow() {
					logger.Debug("opus decode failed", "session", session, "err", err)
				}
				continue
			}
			frames = append(frames, pcm)
		}
	}

	if len(frames) == 0 {
		return
	}

	mixed := mixer.Mix(frames, 1.0, 1.0)
	w.playbackSink.Push(state.outputResampler.Process(mixed.Out))
}

// applyControlMessage dispatches one server→client message into roster
// updates and published events.
// Returns a non-nil error only for Reject, which is session-fatal.
func (w *Worker) applyControlMessage(tr *Transport, roster *Roster, state *sessionState, msgType MessageType, raw []byte) error {
	switch msgType {
	case MsgReject:
		var m RejectMessage
		if err := Decode(msgType, raw, &m); err != nil {
			return err
		}
		return Errorf(KindProtocol, "rejected: %s", m.Reason)

	case MsgServerSync:
		var m ServerSyncMessage
		if err := Decode(msgType, raw, &m); err == nil {
			roster.SetSelfSession(m.Session)
			publish(w.events.Roster, roster.BuildRosterEvent())
		}

	case MsgCryptSetup:
		var m CryptSetupMessage
		if err := Decode(msgType, raw, &m); err == nil {
			result, err := tr.CryptState().ApplyCryptSetup(m.Key, m.ClientNonce, m.ServerNonce)
			if err == nil && result.EchoClientNonce != nil {
				tr.SendControl(MsgCryptSetup, CryptSetupMessage{ClientNonce: result.EchoClientNonce}) //nolint:errcheck
			}
		}

	case MsgChannelState:
		var m ChannelStateMessage
		if err := Decode(msgType, raw, &m); err == nil {
			if roster.ApplyChannelState(m) {
				publish(w.events.Roster, roster.BuildRosterEvent())
			}
		}

	case MsgChannelRemove:
		var m ChannelRemoveMessage
		if err := Decode(msgType, raw, &m); err == nil {
			if roster.RemoveChannel(m.ChannelID) {
				publish(w.events.Roster, roster.BuildRosterEvent())
			}
		}

	case MsgUserState:
		var m UserStateMessage
		if err := Decode(msgType, raw, &m); err == nil {
			changed, selfEvent := roster.ApplyUserState(m)
			if selfEvent != nil {
				selfEvent.PttEnabled = w.selfState.PttEnabled
				selfEvent.Transmitting = w.selfState.Transmitting
				w.selfState.Muted = selfEvent.Muted
				w.selfState.Deafened = selfEvent.Deafened
				publish(w.events.Self, *selfEvent)
			}
			if changed {
				publish(w.events.Roster, roster.BuildRosterEvent())
			}
		}

	case MsgUserRemove:
		var m UserRemoveMessage
		if err := Decode(msgType, raw, &m); err == nil {
			if roster.RemoveUser(m.Session) {
				publish(w.events.Roster, roster.BuildRosterEvent())
			}
		}

	case MsgTextMessage:
		var m TextMessageMessage
		if err := Decode(msgType, raw, &m); err == nil {
			w.publishMessage(roster, m)
		}

	case MsgUDPTunnel:
		var m UDPTunnelMessage
		if err := Decode(msgType, raw, &m); err == nil && state != nil {
			if plaintext, err := tr.ReceiveVoiceTunneled(m.Payload); err == nil {
				w.ingestVoicePacket(state, roster, plaintext, map[uint32]bool{})
			}
		}
	}
	return nil
}

func (w *Worker) publishMessage(roster *Roster, m TextMessageMessage) {
	ev := MessageEvent{Message: m.Message, TimestampMs: time.Now().UnixMilli()}
	if m.Actor != nil {
		ev.ActorSession = m.Actor
		ev.ActorName = roster.UserNameForSession(*m.Actor)
	}
	if len(m.ChannelID) > 0 {
		ev.ChannelID = &m.ChannelID[0]
	}
	publish(w.events.Message, ev)
}

// maybeJoinDefaultChannel implements the one-shot default-channel join
// latch.
func (w *Worker) maybeJoinDefaultChannel(tr *Transport, roster *Roster) error {
	if roster.DefaultChannelName() == "" || roster.DefaultChannelJoinRequested() {
		return nil
	}
	defaultID := roster.DefaultChannelID()
	if defaultID == nil {
		return nil
	}
	target := roster.TargetChannelID()
	if target != nil && *target == *defaultID {
		roster.MarkDefaultChannelJoinRequested()
		return nil
	}

	roster.MarkDefaultChannelJoinRequested()
	return tr.SendControl(MsgUserState, UserStateMessage{ChannelID: defaultID})
}

func (w *Worker) publishSelf() {
	publish(w.events.Self, w.selfState)
}

func (w *Worker) sendPing(tr *Transport, counters crypt.Counters) error {
	return tr.SendControl(MsgPing, PingMessage{
		TimestampMs: uint64(time.Now().UnixMilli()),
		Good:        uint32(counters.Good),
		Late:        uint32(counters.Late),
		Lost:        uint32(counters.Lost),
	})
}

// applyCommand updates local self state and forwards the request to
// the server when a live transport is available; tr is nil while the
// worker is between connection attempts.
func (w *Worker) applyCommand(tr *Transport, cmd Command) {
	switch c := cmd.(type) {
	case SetMuteCommand:
		w.selfState.Muted = c.Muted
		w.publishSelf()
		if tr != nil {
			tr.SendControl(MsgUserState, UserStateMessage{SelfMute: &c.Muted}) //nolint:errcheck
		}

	case SetDeafenCommand:
		w.selfState.Deafened = c.Deafened
		if c.Deafened && w.cfg.AutoMuteOnDeafen {
			w.selfState.Muted = true
		}
		w.publishSelf()
		if tr != nil {
			tr.SendControl(MsgUserState, UserStateMessage{SelfDeaf: &c.Deafened, SelfMute: &w.selfState.Muted}) //nolint:errcheck
		}

	case SetPTTEnabledCommand:
		w.selfState.PttEnabled = c.Enabled
		if !c.Enabled {
			w.selfState.Transmitting = false
		}
		w.publishSelf()

	case SetPTTTransmittingCommand:
		if w.selfState.PttEnabled {
			w.selfState.Transmitting = c.Transmitting
			w.publishSelf()
		}

	case SetInputDeviceCommand:
		if w.OnInputDeviceChange != nil {
			if src, err := w.OnInputDeviceChange(c.DeviceID); err == nil {
				w.captureSource = src
			}
		}

	case SetOutputDeviceCommand:
		if w.OnOutputDeviceChange != nil {
			if sink, err := w.OnOutputDeviceChange(c.DeviceID); err == nil {
				w.playbackSink = sink
			}
		}

	case SetPTTHotkeyCommand:
		w.pttHotkey = c.Hotkey

	case QueueSoundboardSamplesCommand:
		w.soundQueue.EnqueueSamples(c.ClipID, c.Samples)

	case SendMessageCommand:
		if tr != nil {
			msg := TextMessageMessage{Message: c.Message}
			if c.ChannelID != nil {
				msg.ChannelID = []uint32{*c.ChannelID}
			}
			tr.SendControl(MsgTextMessage, msg) //nolint:errcheck
		}
	}
}
