package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paired(t *testing.T) (*State, *State) {
	t.Helper()
	var key, clientNonce, serverNonce [16]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range clientNonce {
		clientNonce[i] = byte(i + 100)
	}
	for i := range serverNonce {
		serverNonce[i] = byte(i + 200)
	}

	sender := New()
	require.NoError(t, sender.Install(key, clientNonce, serverNonce))

	// The receiver's decrypt nonce must match the sender's encrypt nonce
	// for the first packet to verify — mirroring how a real CryptSetup
	// exchange synchronizes both sides.
	receiver := New()
	require.NoError(t, receiver.Install(key, serverNonce, clientNonce))
	return sender, receiver
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := paired(t)
	plaintext := []byte("opus-frame-payload")

	packet, err := sender.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := receiver.Decrypt(packet)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	assert.Equal(t, uint64(1), receiver.Counters().Good)
}

func TestDecryptCountsLostOnGap(t *testing.T) {
	sender, receiver := paired(t)

	// Encrypt three frames but only deliver the third.
	_, err := sender.Encrypt([]byte("frame1"))
	require.NoError(t, err)
	_, err = sender.Encrypt([]byte("frame2"))
	require.NoError(t, err)
	p3, err := sender.Encrypt([]byte("frame3"))
	require.NoError(t, err)

	got, err := receiver.Decrypt(p3)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame3"), got)
	assert.Equal(t, uint64(2), receiver.Counters().Lost)
	assert.Equal(t, uint64(1), receiver.Counters().Good)
}

func TestDecryptCountsLateOnReorder(t *testing.T) {
	sender, receiver := paired(t)

	p1, err := sender.Encrypt([]byte("frame1"))
	require.NoError(t, err)
	p2, err := sender.Encrypt([]byte("frame2"))
	require.NoError(t, err)

	_, err = receiver.Decrypt(p2)
	require.NoError(t, err)
	_, err = receiver.Decrypt(p1)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), receiver.Counters().Good+receiver.Counters().Late)
	assert.Equal(t, uint64(1), receiver.Counters().Late)
}

func TestDecryptFailsOnTamperedTag(t *testing.T) {
	sender, receiver := paired(t)
	packet, err := sender.Encrypt([]byte("frame"))
	require.NoError(t, err)
	packet[len(packet)-1] ^= 0xFF

	_, err = receiver.Decrypt(packet)
	assert.Error(t, err)
}

func TestApplyCryptSetupFullTriple(t *testing.T) {
	s := New()
	key := make([]byte, 16)
	clientNonce := make([]byte, 16)
	serverNonce := make([]byte, 16)
	res, err := s.ApplyCryptSetup(key, clientNonce, serverNonce)
	require.NoError(t, err)
	assert.Nil(t, res.EchoClientNonce)
	assert.Equal(t, Counters{}, s.Counters())
}

func TestApplyCryptSetupResync(t *testing.T) {
	s := New()
	key := make([]byte, 16)
	clientNonce := make([]byte, 16)
	serverNonce := make([]byte, 16)
	_, err := s.ApplyCryptSetup(key, clientNonce, serverNonce)
	require.NoError(t, err)

	newServerNonce := make([]byte, 16)
	newServerNonce[0] = 0x42
	res, err := s.ApplyCryptSetup(nil, nil, newServerNonce)
	require.NoError(t, err)
	assert.Nil(t, res.EchoClientNonce)
	assert.Equal(t, byte(0x42), s.decryptNonce[0])
}

func TestApplyCryptSetupEchoRequest(t *testing.T) {
	s := New()
	key := make([]byte, 16)
	clientNonce := make([]byte, 16)
	clientNonce[0] = 0x07
	serverNonce := make([]byte, 16)
	_, err := s.ApplyCryptSetup(key, clientNonce, serverNonce)
	require.NoError(t, err)

	res, err := s.ApplyCryptSetup(nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res.EchoClientNonce)
	assert.Equal(t, s.encryptNonce[:], res.EchoClientNonce)
}

func TestApplyCryptSetupMalformedRejected(t *testing.T) {
	s := New()
	_, err := s.ApplyCryptSetup([]byte{1, 2, 3}, nil, nil)
	assert.Error(t, err)
}
