// Package httptracker implements the announce request of HTTP trackers.
package httptracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
	"github.com/zeebo/bencode"
)

var errResponseTooLarge = errors.New("tracker response too large")

// StatusError is returned when the tracker responds with a code other than 200.
type StatusError struct {
	Code int
	// First KiB of the response body.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker returned http status %d", e.Code)
}

// HTTPTracker announces to a tracker over HTTP.
type HTTPTracker struct {
	rawURL            string
	url               *url.URL
	log               logger.Logger
	http              *http.Client
	userAgent         string
	maxResponseLength int64

	m         sync.Mutex
	trackerID string
}

var _ tracker.Tracker = (*HTTPTracker)(nil)

// New returns a tracker for u. Responses longer than maxResponseLength are rejected.
func New(rawURL string, u *url.URL, timeout time.Duration, t http.RoundTripper, userAgent string, maxResponseLength int64) *HTTPTracker {
	return &HTTPTracker{
		rawURL:            rawURL,
		url:               u,
		log:               logger.New("tracker " + u.String()),
		userAgent:         userAgent,
		maxResponseLength: maxResponseLength,
		http: &http.Client{
			Timeout:   timeout,
			Transport: t,
		},
	}
}

// URL returns the URL the tracker was created with.
func (t *HTTPTracker) URL() string {
	return t.rawURL
}

// Announce sends the request and decodes the response.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u := *t.url
	q := u.Query()
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(req.Torrent.Port), 10))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	t.m.Lock()
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}
	t.m.Unlock()
	u.RawQuery = q.Encode()
	t.log.Debugf("making request to: %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	body, err := t.do(httpReq)
	if errors.Is(err, context.Canceled) {
		return nil, context.Canceled
	}
	if err != nil {
		return nil, err
	}

	var response announceResponse
	err = bencode.DecodeBytes(body, &response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tracker.ErrDecode, err)
	}

	if response.WarningMessage != "" {
		t.log.Warning(response.WarningMessage)
	}
	if response.FailureReason != "" {
		retryIn, _ := strconv.Atoi(response.RetryIn)
		return nil, &tracker.Error{
			FailureReason: response.FailureReason,
			RetryIn:       time.Duration(retryIn) * time.Minute,
		}
	}

	if response.TrackerID != "" {
		t.m.Lock()
		t.trackerID = response.TrackerID
		t.m.Unlock()
	}

	// Peers may be in binary or dictionary model.
	var peers []netip.AddrPort
	if len(response.Peers) > 0 {
		if response.Peers[0] == 'l' {
			peers, err = parsePeersDictionary(response.Peers)
		} else {
			var b []byte
			err = bencode.DecodeBytes(response.Peers, &b)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", tracker.ErrDecode, err)
			}
			peers, err = tracker.DecodePeersCompact(b)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tracker.ErrDecode, err)
	}

	return &tracker.AnnounceResponse{
		Interval:       time.Duration(response.Interval) * time.Second,
		MinInterval:    time.Duration(response.MinInterval) * time.Second,
		Leechers:       response.Incomplete,
		Seeders:        response.Complete,
		WarningMessage: response.WarningMessage,
		Peers:          peers,
	}, nil
}

func (t *HTTPTracker) do(req *http.Request) ([]byte, error) {
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if resp.ContentLength > t.maxResponseLength {
		return nil, errResponseTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseLength+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > t.maxResponseLength {
		return nil, errResponseTooLarge
	}
	return data, nil
}

func parsePeersDictionary(b bencode.RawMessage) ([]netip.AddrPort, error) {
	var peers []dictPeer
	err := bencode.DecodeBytes(b, &peers)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.AddrPort, 0, len(peers))
	for _, p := range peers {
		ip, err := netip.ParseAddr(p.IP)
		if err != nil {
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), p.Port))
	}
	return addrs, nil
}
