// Package tracker defines what the announcer needs from a tracker: one announce call per URL,
// returning swarm counts, peer addresses and the interval until the next announce.
// The httptracker and udptracker packages implement it.
package tracker

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// Tracker is a single announce URL.
type Tracker interface {
	// Announce reports the session state and returns peers of the swarm.
	// Implementations return an *Error if the tracker rejected the request.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL is the announce URL as written in the torrent file.
	URL() string
}

// AnnounceRequest is the state of a session reported to a tracker.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	// Zero for completed and stopped events.
	NumWant int
}

// AnnounceResponse is a successful reply of a tracker.
type AnnounceResponse struct {
	// Zero if the tracker did not send one; the announcer uses its default then.
	Interval       time.Duration
	MinInterval    time.Duration
	Leechers       int32
	Seeders        int32
	WarningMessage string
	Peers          []netip.AddrPort
}

// ErrDecode is returned when the tracker response is malformed.
var ErrDecode = errors.New("cannot decode response")

// Error is a rejection sent by the tracker, with the failure reason as the message.
type Error struct {
	FailureReason string
	// Set if the tracker asked not to be contacted again before this duration.
	RetryIn time.Duration
}

func (e *Error) Error() string { return e.FailureReason }
