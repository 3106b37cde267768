package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestVoicePacketRoundTripServerToClient(t *testing.T) {
	pkt := VoicePacket{
		Target:     0,
		Session:    42,
		HasSession: true,
		Sequence:   1920,
		Opus:       []byte{1, 2, 3, 4},
		Terminator: false,
	}

	got, err := DecodeVoicePacket(EncodeVoicePacket(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, got)
}

func TestVoicePacketRoundTripClientToServerOmitsSession(t *testing.T) {
	pkt := VoicePacket{Target: 0, Sequence: 960, Opus: []byte{9}, Terminator: true}

	got, err := DecodeClientVoicePacket(EncodeVoicePacket(pkt))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), got.Target)
	assert.False(t, got.HasSession)
	assert.Equal(t, uint64(960), got.Sequence)
	assert.True(t, got.Terminator)
	assert.Equal(t, []byte{9}, got.Opus)
}

func TestDecodeVoicePacketRejectsEmpty(t *testing.T) {
	_, err := DecodeVoicePacket(nil)
	assert.Error(t, err)
}

func TestDecodeVoicePacketRejectsTruncatedPayload(t *testing.T) {
	pkt := VoicePacket{HasSession: true, Session: 1, Sequence: 0, Opus: []byte{1, 2, 3}}
	encoded := EncodeVoicePacket(pkt)
	_, err := DecodeVoicePacket(encoded[:len(encoded)-1])
	assert.Error(t, err)
}

func TestVoicePacketRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pkt := VoicePacket{
			Target:     uint8(rapid.IntRange(0, 31).Draw(rt, "target")),
			Session:    rapid.Uint32().Draw(rt, "session"),
			HasSession: true,
			Sequence:   rapid.Uint64Range(0, 1<<40).Draw(rt, "sequence"),
			Opus:       rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "opus"),
			Terminator: rapid.Bool().Draw(rt, "terminator"),
		}

		got, err := DecodeVoicePacket(EncodeVoicePacket(pkt))
		require.NoError(rt, err)
		assert.Equal(rt, pkt, got)
	})
}
