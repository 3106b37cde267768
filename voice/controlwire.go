package voice

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType tags the envelope carried over the control stream.
// Values are assigned here, not on the wire protobuf field numbers
// this system's real Mumble server would use — see SPEC_FULL.md §4.16
// for why the payload codec is JSON rather than generated protobuf.
type MessageType uint16

const (
	MsgVersion MessageType = iota + 1
	MsgAuthenticate
	MsgPing
	MsgUserState
	MsgTextMessage
	MsgCryptSetup
	MsgUDPTunnel
	MsgServerSync
	MsgReject
	MsgChannelState
	MsgChannelRemove
	MsgUserRemove
)

// maxPayloadBytes bounds a single envelope's payload so a corrupt or
// hostile length field can't force an unbounded allocation.
const maxPayloadBytes = 8 << 20

// VersionMessage is the client's handshake packet.
type VersionMessage struct {
	Version uint32 `json:"version"`
	Release string `json:"release"`
	OS      string `json:"os"`
	OSVer   string `json:"os_version"`
}

// PackVersion packs (major, minor, patch) into the wire's 32-bit field:
// ((major & 0xFFFF) << 16) | ((minor & 0xFF) << 8) | (patch & 0xFF).
func PackVersion(major, minor, patch int) uint32 {
	return (uint32(major)&0xFFFF)<<16 | (uint32(minor)&0xFF)<<8 | (uint32(patch) & 0xFF)
}

// AuthenticateMessage requests a session, carrying the derived
// AuthProfile (the superuser substitution rule is applied before this
// struct is built).
type AuthenticateMessage struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Opus     bool   `json:"opus"`
}

// PingMessage carries both the TCP heartbeat and, when UDP is active,
// the crypt good/late/lost counters since the last ping.
type PingMessage struct {
	TimestampMs uint64 `json:"timestamp_ms"`
	Good        uint32 `json:"good,omitempty"`
	Late        uint32 `json:"late,omitempty"`
	Lost        uint32 `json:"lost,omitempty"`
	Resync      uint32 `json:"resync,omitempty"`
	UDPPackets  uint32 `json:"udp_packets,omitempty"`
	TCPPackets  uint32 `json:"tcp_packets"`
}

// UserStateMessage is bidirectional: the client sends partial updates
// (self mute/deafen, channel switch request); the server sends full
// snapshots for any roster member, self included. Unset optional
// fields are nil, matching protobuf's has_* convention.
type UserStateMessage struct {
	Session   *uint32 `json:"session,omitempty"`
	Name      *string `json:"name,omitempty"`
	ChannelID *uint32 `json:"channel_id,omitempty"`
	Mute      *bool   `json:"mute,omitempty"`
	SelfMute  *bool   `json:"self_mute,omitempty"`
	Deaf      *bool   `json:"deaf,omitempty"`
	SelfDeaf  *bool   `json:"self_deaf,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

// TextMessageMessage carries chat. ChannelID targets channels;
// TreeID (root=0) is used when no roster channel is known yet.
type TextMessageMessage struct {
	Actor     *uint32  `json:"actor,omitempty"`
	ChannelID []uint32 `json:"channel_id,omitempty"`
	TreeID    []uint32 `json:"tree_id,omitempty"`
	Message   string   `json:"message"`
}

// CryptSetupMessage implements the three CryptSetup request/response
// shapes over the same struct.
type CryptSetupMessage struct {
	Key          []byte `json:"key,omitempty"`
	ClientNonce  []byte `json:"client_nonce,omitempty"`
	ServerNonce  []byte `json:"server_nonce,omitempty"`
}

// UDPTunnelMessage wraps an encrypted voice packet when the UDP path is
// degraded and voice is tunneled over the control stream instead.
type UDPTunnelMessage struct {
	Payload []byte `json:"payload"`
}

// ServerSyncMessage tells the client its assigned session id.
type ServerSyncMessage struct {
	Session uint32 `json:"session"`
}

// RejectMessage terminates a connection attempt with a reason.
type RejectMessage struct {
	Reason string `json:"reason"`
}

// ChannelStateMessage upserts a channel; ChannelID is nil on a message
// that carries no channel id at all (a no-op); Name is
// nil when the server only confirms an id the client already knows.
type ChannelStateMessage struct {
	ChannelID *uint32 `json:"channel_id,omitempty"`
	Name      *string `json:"name,omitempty"`
}

type ChannelRemoveMessage struct {
	ChannelID uint32 `json:"channel_id"`
}

type UserRemoveMessage struct {
	Session uint32 `json:"session"`
}

// Codec frames typed messages over a stream: 2-byte big-endian message
// type, 4-byte big-endian payload length, JSON payload.
type Codec struct {
	rw io.ReadWriter
}

// NewCodec wraps a stream (a *tls.Conn in production, any io.ReadWriter
// in tests) in the control wire framing.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// WriteMessage frames and writes one message.
func (c *Codec) WriteMessage(msgType MessageType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("controlwire: marshal %d: %w", msgType, err)
	}

	header := make([]byte, 6)
	binary.BigEndian.PutUint16(header[0:2], uint16(msgType))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))

	if _, err := c.rw.Write(header); err != nil {
		return fmt.Errorf("controlwire: write header: %w", err)
	}
	if _, err := c.rw.Write(body); err != nil {
		return fmt.Errorf("controlwire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its type and raw
// JSON payload; callers json.Unmarshal into the type-specific struct
// indicated by the returned MessageType.
func (c *Codec) ReadMessage() (MessageType, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return 0, nil, fmt.Errorf("controlwire: read header: %w", err)
	}
	msgType := MessageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxPayloadBytes {
		return 0, nil, fmt.Errorf("controlwire: payload too large (%d bytes)", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return 0, nil, fmt.Errorf("controlwire: read payload: %w", err)
	}
	return msgType, body, nil
}

// Decode unmarshals raw into dst, wrapping any error with the message
// type for easier diagnosis.
func Decode(msgType MessageType, raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("controlwire: decode %d: %w", msgType, err)
	}
	return nil
}
