package voice

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectDelayMatchesSpecTable(t *testing.T) {
	assert.Equal(t, 2*time.Second, reconnectDelay(1))
	assert.Equal(t, 4*time.Second, reconnectDelay(2))
	assert.Equal(t, 32*time.Second, reconnectDelay(5))
	assert.Equal(t, 32*time.Second, reconnectDelay(6))
	assert.Equal(t, 32*time.Second, reconnectDelay(100))
}

func TestNextConnectingStateFirstAttemptIsConnecting(t *testing.T) {
	assert.Equal(t, StateConnecting, nextConnectingState(0, false))
}

func TestNextConnectingStateAnyLaterAttemptIsReconnecting(t *testing.T) {
	assert.Equal(t, StateReconnecting, nextConnectingState(1, false))
	assert.Equal(t, StateReconnecting, nextConnectingState(0, true), "a fresh attempt after a prior successful connection still reports Reconnecting")
	assert.Equal(t, StateReconnecting, nextConnectingState(3, true))
}

func newTestWorker(cfg Config) *Worker {
	return NewWorker(cfg, "test:64738", nil, nil, NewMetrics(nil))
}

func TestApplyCommandSetMutePublishesSelfEvent(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	w.applyCommand(nil, SetMuteCommand{Muted: true})

	select {
	case ev := <-w.events.Self:
		assert.True(t, ev.Muted)
	default:
		t.Fatal("expected a published self event")
	}
}

func TestApplyCommandSetDeafenWithAutoMuteAlsoMutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoMuteOnDeafen = true
	w := newTestWorker(cfg)

	w.applyCommand(nil, SetDeafenCommand{Deafened: true})
	assert.True(t, w.selfState.Deafened)
	assert.True(t, w.selfState.Muted)
}

func TestApplyCommandDisablingPTTClearsTransmitting(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	w.applyCommand(nil, SetPTTEnabledCommand{Enabled: true})
	w.applyCommand(nil, SetPTTTransmittingCommand{Transmitting: true})
	assert.True(t, w.selfState.Transmitting)

	w.applyCommand(nil, SetPTTEnabledCommand{Enabled: false})
	assert.False(t, w.selfState.Transmitting)
}

func TestApplyCommandPTTTransmittingIgnoredWhenPTTDisabled(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	w.applyCommand(nil, SetPTTTransmittingCommand{Transmitting: true})
	assert.False(t, w.selfState.Transmitting, "PTT key state is meaningless until PTT is enabled")
}

func TestApplyControlMessageRejectIsFatal(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")

	var buf bytes.Buffer
	senderCrypt, _ := pairedCryptStates(t)
	tr := NewTransport(NewCodec(&buf), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	raw, err := marshalForTest(RejectMessage{Reason: "full"})
	require.NoError(t, err)

	fatal := w.applyControlMessage(tr, roster, nil, MsgReject, raw)
	require.Error(t, fatal)
	assert.Contains(t, fatal.Error(), "full")
}

func TestApplyControlMessageUserStateForSelfPublishesSelfEvent(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")
	roster.SetSelfSession(7)

	var buf bytes.Buffer
	senderCrypt, _ := pairedCryptStates(t)
	tr := NewTransport(NewCodec(&buf), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	muted := true
	raw, err := marshalForTest(UserStateMessage{Session: ptrU32(7), SelfMute: &muted})
	require.NoError(t, err)

	require.NoError(t, w.applyControlMessage(tr, roster, nil, MsgUserState, raw))

	select {
	case ev := <-w.events.Self:
		assert.True(t, ev.Muted)
	default:
		t.Fatal("expected a published self event")
	}
}

func TestMaybeJoinDefaultChannelSendsUserStateOnce(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")
	roster.ApplyChannelState(ChannelStateMessage{ChannelID: ptrU32(3), Name: ptrStr("Lobby")})

	var buf bytes.Buffer
	senderCrypt, _ := pairedCryptStates(t)
	tr := NewTransport(NewCodec(&buf), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	require.NoError(t, w.maybeJoinDefaultChannel(tr, roster))
	assert.True(t, roster.DefaultChannelJoinRequested())
	assert.Greater(t, buf.Len(), 0, "a UserState message should have been written")

	before := buf.Len()
	require.NoError(t, w.maybeJoinDefaultChannel(tr, roster))
	assert.Equal(t, before, buf.Len(), "latched: no second send")
}

func TestMaybeJoinDefaultChannelNoopWhenChannelUnknown(t *testing.T) {
	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")

	var buf bytes.Buffer
	senderCrypt, _ := pairedCryptStates(t)
	tr := NewTransport(NewCodec(&buf), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	require.NoError(t, w.maybeJoinDefaultChannel(tr, roster))
	assert.False(t, roster.DefaultChannelJoinRequested())
	assert.Equal(t, 0, buf.Len())
}

func TestHandshakeSucceedsOnServerSync(t *testing.T) {
	var clientBuf, serverBuf bytes.Buffer
	serverCodec := NewCodec(&serverBuf)
	require.NoError(t, serverCodec.WriteMessage(MsgServerSync, ServerSyncMessage{Session: 11}))

	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")
	senderCrypt, _ := pairedCryptStates(t)

	rw := &splitReadWriter{writeTo: &clientBuf, readFrom: &serverBuf}
	tr := NewTransport(NewCodec(rw), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	require.NoError(t, w.handshake(tr, roster))
	assert.Equal(t, ptrU32(11), roster.selfSession, "ServerSync's session id was recorded on the roster")
}

func TestHandshakeFailsOnReject(t *testing.T) {
	var clientBuf, serverBuf bytes.Buffer
	serverCodec := NewCodec(&serverBuf)
	require.NoError(t, serverCodec.WriteMessage(MsgReject, RejectMessage{Reason: "bad password"}))

	w := newTestWorker(DefaultConfig())
	roster := NewRoster("Lobby")
	senderCrypt, _ := pairedCryptStates(t)

	rw := &splitReadWriter{writeTo: &clientBuf, readFrom: &serverBuf}
	tr := NewTransport(NewCodec(rw), nopCloser{}, &loopbackRW{buf: &bytes.Buffer{}}, nopCloser{}, senderCrypt, "test:64738")

	err := w.handshake(tr, roster)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad password")
}

// splitReadWriter writes to one buffer and reads from another, so a
// test can pre-seed the "server's" outbound bytes independently of
// whatever the client under test writes.
type splitReadWriter struct {
	writeTo  *bytes.Buffer
	readFrom *bytes.Buffer
}

func (s *splitReadWriter) Write(p []byte) (int, error) { return s.writeTo.Write(p) }
func (s *splitReadWriter) Read(p []byte) (int, error)  { return s.readFrom.Read(p) }

func marshalForTest(payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewCodec(&buf).WriteMessage(0, payload); err != nil {
		return nil, err
	}
	_, raw, err := NewCodec(&buf).ReadMessage()
	return raw, err
}
