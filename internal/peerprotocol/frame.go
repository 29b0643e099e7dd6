package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrIncomplete is returned when a buffer holds less than one full frame.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrUnknownMessage is returned for message ids outside of the base protocol.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrInvalidPayload is returned when a payload does not match its message type.
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Frame is a length-prefixed message as it appears on the wire.
type Frame struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// Bytes encodes the frame with its length prefix.
func (f Frame) Bytes() []byte {
	if f.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	b := make([]byte, 0, 5+len(f.Payload))
	b = binary.BigEndian.AppendUint32(b, uint32(1+len(f.Payload)))
	b = append(b, byte(f.ID))
	return append(b, f.Payload...)
}

// DecodeFrame decodes the first frame in b and returns the number of bytes consumed.
// ErrIncomplete is returned if b is shorter than the advertised length.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < 4 {
		return Frame{}, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(b)
	if length == 0 {
		return Frame{KeepAlive: true}, 4, nil
	}
	if uint64(len(b)-4) < uint64(length) {
		return Frame{}, 0, ErrIncomplete
	}
	f := Frame{ID: MessageID(b[4])}
	if length > 1 {
		f.Payload = make([]byte, length-1)
		copy(f.Payload, b[5:4+length])
	}
	return f, int(4 + length), nil
}

// ReadFrame reads one frame from r. Frames longer than maxLength are rejected.
// io.EOF is returned if the peer closes the connection between frames.
func ReadFrame(r io.Reader, maxLength uint32) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return Frame{KeepAlive: true}, nil
	}
	if length > maxLength {
		return Frame{}, fmt.Errorf("frame too long: %d > %d", length, maxLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// Encode returns the wire bytes of msg, including the length prefix.
func Encode(msg Message) ([]byte, error) {
	switch msg.ID() {
	case Handshake:
		return msg.MarshalBinary()
	case KeepAlive:
		return Frame{KeepAlive: true}.Bytes(), nil
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Frame{ID: msg.ID(), Payload: payload}.Bytes(), nil
}

// Parse converts a frame into a typed message.
func Parse(f Frame) (Message, error) {
	if f.KeepAlive {
		return KeepAliveMessage{}, nil
	}
	p := f.Payload
	switch f.ID {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(p) != 4 {
			return nil, fmt.Errorf("%w: have length %d", ErrInvalidPayload, len(p))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(p)}, nil
	case Bitfield:
		return BitfieldMessage{Data: p}, nil
	case Request, Cancel:
		if len(p) != 12 {
			return nil, fmt.Errorf("%w: %s length %d", ErrInvalidPayload, f.ID, len(p))
		}
		rm := RequestMessage{
			Index:  binary.BigEndian.Uint32(p[0:4]),
			Begin:  binary.BigEndian.Uint32(p[4:8]),
			Length: binary.BigEndian.Uint32(p[8:12]),
		}
		if f.ID == Cancel {
			return CancelMessage{rm}, nil
		}
		return rm, nil
	case Piece:
		if len(p) < 8 {
			return nil, fmt.Errorf("%w: piece length %d", ErrInvalidPayload, len(p))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(p[0:4]),
			Begin: binary.BigEndian.Uint32(p[4:8]),
			Data:  p[8:],
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.ID)
	}
}
