package udptracker

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cenkalti/drizzle/internal/tracker"
)

type action int32

// UDP tracker actions
const (
	actionConnect  action = 0
	actionAnnounce action = 1
	actionError    action = 3
)

const (
	headerLength           = 8
	connectResponseLength  = 16
	announceResponseLength = 20
	urlDataOption          = 0x2
)

var errInvalidAction = errors.New("invalid action in tracker response")

type header struct {
	Action        action
	TransactionID int32
}

// request is written to the tracker in a single datagram.
type request interface {
	encode(connectionID int64, transactionID int32) ([]byte, error)
}

type connectRequest struct {
	ConnectionID int64
	header
}

func (r *connectRequest) encode(_ int64, transactionID int32) ([]byte, error) {
	r.ConnectionID = connectionIDMagic
	r.Action = actionConnect
	r.TransactionID = transactionID
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.BigEndian, r)
	return buf.Bytes(), err
}

type connectResponse struct {
	header
	ConnectionID int64
}

type announceRequest struct {
	ConnectionID int64
	header
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      tracker.Event
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

type announcePacket struct {
	announceRequest
	// Path and query of the announce URL, sent as the URLData option.
	urlData string
}

func (r *announcePacket) encode(connectionID int64, transactionID int32) ([]byte, error) {
	r.ConnectionID = connectionID
	r.Action = actionAnnounce
	r.TransactionID = transactionID
	buf := bytes.NewBuffer(make([]byte, 0, 98+2+len(r.urlData)))
	if err := binary.Write(buf, binary.BigEndian, &r.announceRequest); err != nil {
		return nil, err
	}
	for data := r.urlData; len(data) > 0; {
		n := min(len(data), 255)
		buf.Write([]byte{urlDataOption, byte(n)})
		buf.WriteString(data[:n])
		data = data[n:]
	}
	return buf.Bytes(), nil
}

type announceResponse struct {
	header
	Interval int32
	Leechers int32
	Seeders  int32
}

func parseConnectResponse(data []byte) (int64, error) {
	if len(data) < connectResponseLength {
		return 0, tracker.ErrDecode
	}
	var resp connectResponse
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &resp); err != nil {
		return 0, err
	}
	if resp.Action != actionConnect {
		return 0, errInvalidAction
	}
	return resp.ConnectionID, nil
}

func parseAnnounceResponse(data []byte) (*tracker.AnnounceResponse, error) {
	if len(data) < announceResponseLength {
		return nil, tracker.ErrDecode
	}
	var resp announceResponse
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &resp); err != nil {
		return nil, err
	}
	if resp.Action != actionAnnounce {
		return nil, errInvalidAction
	}
	peers, err := tracker.DecodePeersCompact(data[announceResponseLength:])
	if err != nil {
		return nil, tracker.ErrDecode
	}
	return &tracker.AnnounceResponse{
		Interval: secondsToDuration(resp.Interval),
		Leechers: resp.Leechers,
		Seeders:  resp.Seeders,
		Peers:    peers,
	}, nil
}
