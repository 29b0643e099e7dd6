// Package udptracker implements the announce request of UDP trackers.
package udptracker

import (
	"context"
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
)

// UDPTracker announces to a tracker over UDP.
type UDPTracker struct {
	rawURL    string
	dest      string
	urlData   string
	key       uint32
	timeout   time.Duration
	log       logger.Logger
	transport *Transport
}

var _ tracker.Tracker = (*UDPTracker)(nil)

// New returns a tracker for u. Announces give up after timeout.
func New(rawURL string, u *url.URL, t *Transport, timeout time.Duration) *UDPTracker {
	urlData := u.RequestURI()
	if urlData == "/" {
		urlData = ""
	}
	return &UDPTracker{
		rawURL:    rawURL,
		dest:      u.Host,
		urlData:   urlData,
		key:       rand.Uint32(), // nolint: gosec
		timeout:   timeout,
		log:       logger.New("tracker " + u.Host),
		transport: t,
	}
}

// URL returns the URL the tracker was created with.
func (t *UDPTracker) URL() string {
	return t.rawURL
}

// Announce sends the request and decodes the response.
func (t *UDPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	p := &announcePacket{
		announceRequest: announceRequest{
			InfoHash:   req.Torrent.InfoHash,
			PeerID:     req.Torrent.PeerID,
			Downloaded: req.Torrent.BytesDownloaded,
			Left:       req.Torrent.BytesLeft,
			Uploaded:   req.Torrent.BytesUploaded,
			Event:      req.Event,
			Key:        t.key,
			NumWant:    int32(req.NumWant),
			Port:       req.Torrent.Port,
		},
		urlData: t.urlData,
	}
	data, err := t.transport.Do(ctx, t.dest, p)
	if err != nil {
		return nil, err
	}
	resp, err := parseAnnounceResponse(data)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("announce response: interval %s, %d peers", resp.Interval, len(resp.Peers))
	return resp, nil
}

func secondsToDuration(s int32) time.Duration {
	return time.Duration(s) * time.Second
}
