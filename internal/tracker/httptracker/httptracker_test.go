package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/tracker"
	fhttp "github.com/chihaya/chihaya/frontend/http"
	"github.com/chihaya/chihaya/middleware"
	"github.com/chihaya/chihaya/storage"
	_ "github.com/chihaya/chihaya/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

const timeout = 2 * time.Second

func trackerLogic(t *testing.T) *middleware.Logic {
	responseConfig := middleware.ResponseConfig{
		AnnounceInterval: time.Minute,
	}
	ps, err := storage.NewPeerStore("memory", map[string]interface{}{})
	require.NoError(t, err)
	return middleware.NewLogic(responseConfig, ps, nil, nil)
}

func startHTTPTracker(t *testing.T) (stop func()) {
	lgc := trackerLogic(t)
	fe, err := fhttp.NewFrontend(lgc, fhttp.Config{
		Addr:         "127.0.0.1:5000",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	require.NoError(t, err)
	return func() {
		errC := fe.Stop()
		require.Empty(t, <-errC)
	}
}

func newTracker(t *testing.T, rawURL string) *HTTPTracker {
	return newTrackerLimit(t, rawURL, 2*1024*1024)
}

func newTrackerLimit(t *testing.T, rawURL string, maxResponseLength int64) *HTTPTracker {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return New(rawURL, u, timeout, new(http.Transport), "drizzle", maxResponseLength)
}

func TestHTTPTracker(t *testing.T) {
	defer startHTTPTracker(t)()

	trk := newTracker(t, "http://127.0.0.1:5000/announce")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Seeder
	req := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			InfoHash:  [20]byte{6},
			PeerID:    [20]byte{1},
			Port:      1111,
			BytesLeft: 0,
		},
		Event: tracker.EventStarted,
	}
	_, err := trk.Announce(ctx, req)
	require.NoError(t, err)

	// Leecher
	req = tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			InfoHash:  [20]byte{6},
			PeerID:    [20]byte{2},
			Port:      2222,
			BytesLeft: 1,
		},
		Event:   tracker.EventStarted,
		NumWant: 10,
	}
	resp, err := trk.Announce(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, uint16(1111), resp.Peers[0].Port())
}

func serve(t *testing.T, v any) *httptest.Server {
	b, err := bencode.EncodeBytes(v)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.Equal(t, "drizzle", r.UserAgent())
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDictionaryPeers(t *testing.T) {
	srv := serve(t, map[string]any{
		"interval":   60,
		"complete":   3,
		"incomplete": 4,
		"peers": []map[string]any{
			{"ip": "10.0.0.1", "port": 6881},
			{"ip": "not an ip", "port": 6882},
		},
	})
	resp, err := newTracker(t, srv.URL+"/announce").Announce(context.Background(), tracker.AnnounceRequest{})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:6881")}, resp.Peers)
	assert.Equal(t, int32(3), resp.Seeders)
	assert.Equal(t, int32(4), resp.Leechers)
}

func TestFailureReason(t *testing.T) {
	srv := serve(t, map[string]any{
		"failure reason": "unregistered torrent",
		"retry in":       "5",
	})
	_, err := newTracker(t, srv.URL).Announce(context.Background(), tracker.AnnounceRequest{})
	var terr *tracker.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "unregistered torrent", terr.FailureReason)
	assert.Equal(t, 5*time.Minute, terr.RetryIn)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := newTracker(t, srv.URL).Announce(context.Background(), tracker.AnnounceRequest{})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not bencode"))
	}))
	defer srv.Close()
	_, err := newTracker(t, srv.URL).Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorIs(t, err, tracker.ErrDecode)
}

func TestResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()
	_, err := newTrackerLimit(t, srv.URL, 1024).Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorIs(t, err, errResponseTooLarge)
}
