package peerprotocol

import "encoding/binary"

// Message is a Peer message of BitTorrent protocol.
// MarshalBinary returns the payload that follows the id byte.
type Message interface {
	ID() MessageID
	MarshalBinary() ([]byte, error)
}

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

// ID returns the peer protocol message type.
func (m HaveMessage) ID() MessageID { return Have }

// MarshalBinary encodes the piece index.
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, m.Index), nil
}

// RequestMessage is sent when a peer needs a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID returns the peer protocol message type.
func (m RequestMessage) ID() MessageID { return Request }

// MarshalBinary encodes index, begin and length.
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 12)
	b = binary.BigEndian.AppendUint32(b, m.Index)
	b = binary.BigEndian.AppendUint32(b, m.Begin)
	b = binary.BigEndian.AppendUint32(b, m.Length)
	return b, nil
}

// CancelMessage is sent to peer to cancel previosly sent request.
type CancelMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage carries the data of a block.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

// ID returns the peer protocol message type.
func (m PieceMessage) ID() MessageID { return Piece }

// MarshalBinary encodes index, begin and block data.
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 8+len(m.Data))
	b = binary.BigEndian.AppendUint32(b, m.Index)
	b = binary.BigEndian.AppendUint32(b, m.Begin)
	return append(b, m.Data...), nil
}

// BitfieldMessage sent after the peer handshake to exchange piece availability information between peers.
type BitfieldMessage struct {
	Data []byte
}

// ID returns the peer protocol message type.
func (m BitfieldMessage) ID() MessageID { return Bitfield }

// MarshalBinary returns the bitfield bytes.
func (m BitfieldMessage) MarshalBinary() ([]byte, error) { return m.Data, nil }

type emptyMessage struct{}

func (emptyMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// ChokeMessage is sent to peer that it should not request pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage is sent to peer that it can request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage is sent to peer that we want to request pieces if you unchoke us.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage is sent to peer that we don't want any piece from you.
type NotInterestedMessage struct{ emptyMessage }

// KeepAliveMessage is a zero length frame.
type KeepAliveMessage struct{ emptyMessage }

// ID returns the peer protocol message type.
func (m ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (m UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (m InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// ID returns the peer protocol message type.
func (m KeepAliveMessage) ID() MessageID { return KeepAlive }
