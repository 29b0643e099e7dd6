package peer

import "github.com/cenkalti/drizzle/internal/peerprotocol"

// Stage is the position of a peer in the protocol exchange.
// Stages only move forward while connected and reset on disconnect.
type Stage int32

// Protocol stages
const (
	AwaitingHandshake Stage = iota
	AwaitingBitfield
	AwaitingHaveOrRequest
	AwaitingPiece
	Established
)

var stageStrings = [...]string{
	AwaitingHandshake:     "awaiting handshake",
	AwaitingBitfield:      "awaiting bitfield",
	AwaitingHaveOrRequest: "awaiting have or request",
	AwaitingPiece:         "awaiting piece",
	Established:           "established",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageStrings) {
		return "unknown"
	}
	return stageStrings[s]
}

// InOrder returns true if a message of type id is expected at stage s.
// Choke, unchoke, interest and keep-alive messages may arrive at any time after the handshake.
func (s Stage) InOrder(id peerprotocol.MessageID) bool {
	if s != AwaitingHandshake {
		switch id {
		case peerprotocol.Choke, peerprotocol.Unchoke, peerprotocol.Interested, peerprotocol.NotInterested, peerprotocol.KeepAlive:
			return true
		}
	}
	switch s {
	case AwaitingHandshake:
		return id == peerprotocol.Handshake
	case AwaitingBitfield:
		// a peer without pieces may skip the bitfield
		return id == peerprotocol.Bitfield || id == peerprotocol.Have
	case AwaitingHaveOrRequest:
		return id == peerprotocol.Have || id == peerprotocol.Request
	case AwaitingPiece:
		return id == peerprotocol.Piece
	case Established:
		return true
	}
	return false
}
