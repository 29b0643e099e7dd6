package peerprotocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var m HandshakeMessage
	for i := range m.InfoHash {
		m.InfoHash[i] = byte(i)
		m.PeerID[i] = byte(255 - i)
	}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, HandshakeLength)
	assert.Equal(t, byte(19), b[0])
	assert.Equal(t, make([]byte, 8), b[20:28])

	got, err := DecodeHandshake(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	got, err = ReadHandshake(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestHandshakeRejectsInvalid(t *testing.T) {
	b, _ := HandshakeMessage{}.MarshalBinary()

	_, err := DecodeHandshake(b[:67])
	assert.ErrorIs(t, err, ErrInvalidHandshake)

	bad := bytes.Clone(b)
	bad[0] = 18
	_, err = DecodeHandshake(bad)
	assert.ErrorIs(t, err, ErrInvalidHandshake)

	bad = bytes.Clone(b)
	bad[5] = 'x'
	_, err = DecodeHandshake(bad)
	assert.ErrorIs(t, err, ErrInvalidHandshake)

	_, err = ReadHandshake(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameRoundTrip(t *testing.T) {
	messages := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 42},
		BitfieldMessage{Data: []byte{0xf0, 0x01}},
		RequestMessage{Index: 1, Begin: 16384, Length: 16384},
		PieceMessage{Index: 3, Begin: 0, Data: []byte("block data")},
		CancelMessage{RequestMessage{Index: 1, Begin: 0, Length: 100}},
	}
	for _, msg := range messages {
		b, err := Encode(msg)
		require.NoError(t, err)

		f, n, err := DecodeFrame(b)
		require.NoError(t, err, msg.ID().String())
		assert.Equal(t, len(b), n)
		assert.Equal(t, msg.ID(), f.ID)
		payload, _ := msg.MarshalBinary()
		assert.Equal(t, len(payload), len(f.Payload))
		if len(payload) > 0 {
			assert.Equal(t, payload, f.Payload)
		}

		parsed, err := Parse(f)
		require.NoError(t, err)
		assert.Equal(t, msg.ID(), parsed.ID())

		f2, err := ReadFrame(bytes.NewReader(b), 1<<20)
		require.NoError(t, err)
		assert.Equal(t, f.ID, f2.ID)
	}
}

func TestParseTypedPayloads(t *testing.T) {
	b, _ := Encode(RequestMessage{Index: 7, Begin: 8, Length: 9})
	f, _, err := DecodeFrame(b)
	require.NoError(t, err)
	msg, err := Parse(f)
	require.NoError(t, err)
	assert.Equal(t, RequestMessage{Index: 7, Begin: 8, Length: 9}, msg)

	b, _ = Encode(PieceMessage{Index: 1, Begin: 2, Data: []byte{5, 6}})
	f, _, _ = DecodeFrame(b)
	msg, err = Parse(f)
	require.NoError(t, err)
	assert.Equal(t, PieceMessage{Index: 1, Begin: 2, Data: []byte{5, 6}}, msg)
}

func TestKeepAlive(t *testing.T) {
	b, err := Encode(KeepAliveMessage{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
	f, n, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, f.KeepAlive)
}

func TestTruncatedFrameIsIncomplete(t *testing.T) {
	b, _ := Encode(PieceMessage{Index: 1, Begin: 0, Data: make([]byte, 100)})
	for i := 0; i < len(b); i++ {
		_, _, err := DecodeFrame(b[:i])
		assert.ErrorIs(t, err, ErrIncomplete)
	}
	_, err := ReadFrame(bytes.NewReader(b[:50]), 1<<20)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUnknownAndMalformed(t *testing.T) {
	_, err := Parse(Frame{ID: 20, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Parse(Frame{ID: Have, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 1, 0, 0}), 1024)
	assert.Error(t, err)
}
