package voice

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/MasonKomo/Harmony/internal/crypt"
)

// degradedWindow is how long the transport tunnels voice over the
// control stream after deciding the UDP path is unusable.
const degradedWindow = 10 * time.Second

// udpDecryptFailureThreshold is the number of consecutive UDP decrypt
// failures that triggers degrade, matching the reference client's
// UDP_DECRYPT_FAILURE_THRESHOLD.
const udpDecryptFailureThreshold = 12

// dialTimeout bounds the TCP connect + TLS handshake.
const dialTimeout = 10 * time.Second

// Transport owns the dual control/media path to one Mumble-compatible
// server: a framed TLS control stream and a connected UDP socket for
// voice, with a degrade/recover policy layered over the UDP side.
type Transport struct {
	control    *Codec
	controlRWC io.Closer

	udp       io.ReadWriter
	udpCloser io.Closer

	crypt *crypt.State

	serverAddr string

	consecutiveDecryptFailures atomic.Uint32
	degradedUntil              atomic.Int64 // UnixNano; 0 = not degraded
}

// NewTransport wires an already-established control codec and UDP
// channel together. Exposed at package level (rather than only via
// Dial) so tests can inject io.Pipe-backed fakes for both paths.
func NewTransport(control *Codec, controlRWC io.Closer, udp io.ReadWriter, udpCloser io.Closer, cryptState *crypt.State, serverAddr string) *Transport {
	return &Transport{
		control:    control,
		controlRWC: controlRWC,
		udp:        udp,
		udpCloser:  udpCloser,
		crypt:      cryptState,
		serverAddr: serverAddr,
	}
}

// Dial resolves addr, opens a TLS control connection and a connected
// UDP socket to the same host, and returns a ready Transport. Callers
// still owe the server the Version/Authenticate handshake over the
// returned control codec.
func Dial(ctx context.Context, addr string, allowInsecureTLS bool) (*Transport, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: allowInsecureTLS}) //nolint:gosec -- opt-in via config for self-signed servers
	if err != nil {
		return nil, Wrap(KindTransport, fmt.Errorf("dial control: %w", err))
	}

	udpConn, err := net.DialTimeout("udp", addr, dialTimeout)
	if err != nil {
		tlsConn.Close()
		return nil, Wrap(KindTransport, fmt.Errorf("dial udp: %w", err))
	}

	return NewTransport(NewCodec(tlsConn), tlsConn, udpConn, udpConn, crypt.New(), addr), nil
}

// Close tears down both paths.
func (t *Transport) Close() error {
	var firstErr error
	if err := t.controlRWC.Close(); err != nil {
		firstErr = err
	}
	if t.udpCloser != nil {
		if err := t.udpCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendControl frames and writes a control-stream message.
func (t *Transport) SendControl(msgType MessageType, payload any) error {
	if err := t.control.WriteMessage(msgType, payload); err != nil {
		return Wrap(KindTransport, err)
	}
	return nil
}

// ReadControl blocks for the next framed control message.
func (t *Transport) ReadControl() (MessageType, []byte, error) {
	msgType, raw, err := t.control.ReadMessage()
	if err != nil {
		return 0, nil, Wrap(KindTransport, err)
	}
	return msgType, raw, nil
}

// CanSendUDPVoice reports whether the UDP path is currently preferred;
// false while inside the 10s degrade window.
func (t *Transport) CanSendUDPVoice() bool {
	until := t.degradedUntil.Load()
	if until == 0 {
		return true
	}
	if time.Now().UnixNano() >= until {
		t.degradedUntil.Store(0)
		return true
	}
	return false
}

// SendVoice encrypts plaintext and sends it over UDP when the path is
// healthy, or tunnels it as a UDPTunnel control message while degraded.
// A UDP write error immediately triggers degrade.
func (t *Transport) SendVoice(plaintext []byte) error {
	packet, err := t.crypt.Encrypt(plaintext)
	if err != nil {
		return Wrap(KindCrypto, err)
	}

	if t.CanSendUDPVoice() {
		if _, err := t.udp.Write(packet); err != nil {
			t.degrade()
			return t.SendControl(MsgUDPTunnel, UDPTunnelMessage{Payload: packet})
		}
		return nil
	}
	return t.SendControl(MsgUDPTunnel, UDPTunnelMessage{Payload: packet})
}

// udpReadBufferSize is large enough for any tunneled or direct voice
// packet (internal/opuscodec's 1275-byte maxPacketBytes plus crypt overhead).
const udpReadBufferSize = 2048

// ReceiveVoiceUDP blocks for the next UDP packet, decrypts it, and
// updates the decrypt-failure/degrade bookkeeping. A successful
// decrypt clears degrade immediately, matching "any successful UDP
// audio receive clears degradation".
func (t *Transport) ReceiveVoiceUDP() ([]byte, error) {
	buf := make([]byte, udpReadBufferSize)
	n, err := t.udp.Read(buf)
	if err != nil {
		return nil, Wrap(KindTransport, err)
	}

	plaintext, err := t.crypt.Decrypt(buf[:n])
	if err != nil {
		t.markDecryptFailure()
		return nil, Wrap(KindCrypto, err)
	}

	t.consecutiveDecryptFailures.Store(0)
	t.degradedUntil.Store(0)
	return plaintext, nil
}

// ReceiveVoiceTunneled decrypts a voice packet that arrived wrapped in
// a UDPTunnel control message; it does not affect degrade bookkeeping
// since it didn't test the UDP path.
func (t *Transport) ReceiveVoiceTunneled(packet []byte) ([]byte, error) {
	plaintext, err := t.crypt.Decrypt(packet)
	if err != nil {
		return nil, Wrap(KindCrypto, err)
	}
	return plaintext, nil
}

func (t *Transport) markDecryptFailure() {
	if t.consecutiveDecryptFailures.Add(1) >= udpDecryptFailureThreshold {
		t.degrade()
	}
}

func (t *Transport) degrade() {
	t.degradedUntil.Store(time.Now().Add(degradedWindow).UnixNano())
}

// CryptState exposes the session's AEAD state for CryptSetup handling
// and the Quality Controller's good/late/lost sampling.
func (t *Transport) CryptState() *crypt.State { return t.crypt }

// ServerAddr returns the dialed host:port.
func (t *Transport) ServerAddr() string { return t.serverAddr }
