package peerprotocol

import (
	"bytes"
	"errors"
	"io"
)

// HandshakeLength is the size of an encoded handshake.
const HandshakeLength = 68

// ProtocolString is sent at the start of every handshake.
const ProtocolString = "BitTorrent protocol"

// ErrInvalidHandshake is returned when handshake bytes do not match the protocol.
var ErrInvalidHandshake = errors.New("invalid handshake")

// HandshakeMessage is the first message sent on a connection.
type HandshakeMessage struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// ID returns the pseudo message type of the handshake.
func (m HandshakeMessage) ID() MessageID { return Handshake }

// MarshalBinary encodes the 68 byte handshake.
func (m HandshakeMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HandshakeLength)
	b = append(b, byte(len(ProtocolString)))
	b = append(b, ProtocolString...)
	b = append(b, make([]byte, 8)...) // reserved
	b = append(b, m.InfoHash[:]...)
	b = append(b, m.PeerID[:]...)
	return b, nil
}

// DecodeHandshake parses exactly HandshakeLength bytes.
func DecodeHandshake(b []byte) (HandshakeMessage, error) {
	var m HandshakeMessage
	if len(b) != HandshakeLength {
		return m, ErrInvalidHandshake
	}
	if b[0] != byte(len(ProtocolString)) {
		return m, ErrInvalidHandshake
	}
	if !bytes.Equal(b[1:20], []byte(ProtocolString)) {
		return m, ErrInvalidHandshake
	}
	copy(m.InfoHash[:], b[28:48])
	copy(m.PeerID[:], b[48:68])
	return m, nil
}

// ReadHandshake reads a handshake from r.
// io.EOF is returned if the peer closes the connection before sending anything.
func ReadHandshake(r io.Reader) (HandshakeMessage, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return HandshakeMessage{}, err
	}
	return DecodeHandshake(buf)
}
