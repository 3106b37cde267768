package voice

import (
	"encoding/binary"
	"fmt"
)

// VoicePacket is the plaintext payload carried inside the crypt layer's
// AEAD envelope: a target (0 = normal speech), the sender's
// session id (server→client only), a monotonic sequence number (step
// jitter.FrameStep), and the Opus payload with its end-of-stream
// terminator flag.
//
// Real Mumble packs these fields with its own specific varint tagging
// scheme; here they're framed with the standard library's LEB128
// varints (encoding/binary.*Uvarint) instead of reproducing that
// bit-exact layout — wire interop with an actual Mumble server is an
// explicit non-goal, and no dependency in the example pack implements
// Mumble's particular varint convention.
type VoicePacket struct {
	Target     uint8
	Session    uint32
	HasSession bool
	Sequence   uint64
	Opus       []byte
	Terminator bool
}

// EncodeVoicePacket renders pkt as client→server bytes (no session id)
// when pkt.HasSession is false, or as server→client bytes carrying
// pkt.Session when it is true.
func EncodeVoicePacket(pkt VoicePacket) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(pkt.Opus))
	buf = append(buf, pkt.Target&0x1F)

	var tmp [binary.MaxVarintLen64]byte
	if pkt.HasSession {
		n := binary.PutUvarint(tmp[:], uint64(pkt.Session))
		buf = append(buf, tmp[:n]...)
	}

	n := binary.PutUvarint(tmp[:], pkt.Sequence)
	buf = append(buf, tmp[:n]...)

	lengthField := uint64(len(pkt.Opus)) << 1
	if pkt.Terminator {
		lengthField |= 1
	}
	n = binary.PutUvarint(tmp[:], lengthField)
	buf = append(buf, tmp[:n]...)

	buf = append(buf, pkt.Opus...)
	return buf
}

// DecodeVoicePacket parses server→client bytes, which always carry a
// session id.
func DecodeVoicePacket(data []byte) (VoicePacket, error) {
	return decodeVoicePacket(data, true)
}

// DecodeClientVoicePacket parses client→server bytes, which omit the
// session id (the server infers it from the authenticated connection).
func DecodeClientVoicePacket(data []byte) (VoicePacket, error) {
	return decodeVoicePacket(data, false)
}

func decodeVoicePacket(data []byte, hasSession bool) (VoicePacket, error) {
	if len(data) < 1 {
		return VoicePacket{}, fmt.Errorf("voicepacket: empty packet")
	}
	pkt := VoicePacket{Target: data[0] & 0x1F, HasSession: hasSession}
	rest := data[1:]

	if hasSession {
		session, n := binary.Uvarint(rest)
		if n <= 0 {
			return VoicePacket{}, fmt.Errorf("voicepacket: malformed session varint")
		}
		pkt.Session = uint32(session)
		rest = rest[n:]
	}

	sequence, n := binary.Uvarint(rest)
	if n <= 0 {
		return VoicePacket{}, fmt.Errorf("voicepacket: malformed sequence varint")
	}
	pkt.Sequence = sequence
	rest = rest[n:]

	lengthField, n := binary.Uvarint(rest)
	if n <= 0 {
		return VoicePacket{}, fmt.Errorf("voicepacket: malformed length varint")
	}
	pkt.Terminator = lengthField&1 != 0
	length := lengthField >> 1
	rest = rest[n:]

	if uint64(len(rest)) < length {
		return VoicePacket{}, fmt.Errorf("voicepacket: truncated payload (want %d, have %d)", length, len(rest))
	}
	pkt.Opus = rest[:length]
	return pkt, nil
}
