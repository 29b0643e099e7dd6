package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/blocklist"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
	"github.com/chihaya/chihaya/frontend/udp"
	"github.com/chihaya/chihaya/middleware"
	"github.com/chihaya/chihaya/storage"
	_ "github.com/chihaya/chihaya/storage/memory"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout = 2 * time.Second

func startUDPTracker(t *testing.T, addr string) (stop func()) {
	ps, err := storage.NewPeerStore("memory", map[string]interface{}{})
	require.NoError(t, err)
	lgc := middleware.NewLogic(middleware.ResponseConfig{AnnounceInterval: time.Minute}, ps, nil, nil)
	fe, err := udp.NewFrontend(lgc, udp.Config{
		Addr:         addr,
		MaxClockSkew: time.Minute,
		PrivateKey:   "M4YlzP02iB0B46P2i3QLyMOW6nWXnVlYeJ91xIdtu8Ao7IIVKLZEaCEshTChmFrS",
	})
	require.NoError(t, err)
	return func() {
		errC := fe.Stop()
		require.Empty(t, <-errC)
	}
}

func newTracker(t *testing.T, rawURL string, tr *Transport) *UDPTracker {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return New(rawURL, u, tr, timeout)
}

func TestUDPTracker(t *testing.T) {
	defer leaktest.Check(t)()
	defer startUDPTracker(t, "127.0.0.1:5001")()

	tr := NewTransport(nil, time.Second)
	defer tr.Close()
	trk := newTracker(t, "udp://127.0.0.1:5001/announce", tr)
	assert.Equal(t, "udp://127.0.0.1:5001/announce", trk.URL())

	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{
		Torrent: tracker.Torrent{Port: 1111, PeerID: [20]byte{1}},
		Event:   tracker.EventStarted,
	})
	require.NoError(t, err)

	resp, err := trk.Announce(context.Background(), tracker.AnnounceRequest{
		Torrent: tracker.Torrent{Port: 2222, PeerID: [20]byte{2}, BytesLeft: 1},
		Event:   tracker.EventStarted,
		NumWant: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, uint16(1111), resp.Peers[0].Port())
	assert.Len(t, tr.connections, 1)
}

// fakeTracker answers connect requests, ignoring the first dropFirst datagrams,
// and replies to announces with an error message.
func fakeTracker(t *testing.T, dropFirst int, message string) (addr string, received func() int) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	count := make(chan int, 1)
	count <- 0
	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			c := <-count
			count <- c + 1
			if c < dropFirst || n < 16 {
				continue
			}
			trxID := binary.BigEndian.Uint32(buf[12:16])
			var resp []byte
			if binary.BigEndian.Uint32(buf[8:12]) == uint32(actionConnect) {
				resp = binary.BigEndian.AppendUint32(resp, uint32(actionConnect))
				resp = binary.BigEndian.AppendUint32(resp, trxID)
				resp = binary.BigEndian.AppendUint64(resp, 42)
			} else {
				resp = binary.BigEndian.AppendUint32(resp, uint32(actionError))
				resp = binary.BigEndian.AppendUint32(resp, trxID)
				resp = append(resp, message...)
			}
			_, _ = conn.WriteToUDPAddrPort(resp, from)
		}
	}()
	return conn.LocalAddr().String(), func() int {
		c := <-count
		count <- c
		return c
	}
}

func TestUDPTrackerRetransmitAndError(t *testing.T) {
	addr, received := fakeTracker(t, 2, "torrent not registered")
	tr := NewTransport(nil, 10*time.Millisecond)
	defer tr.Close()
	trk := newTracker(t, "udp://"+addr, tr)

	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	var terr *tracker.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "torrent not registered", terr.FailureReason)
	// two dropped connects, one answered connect and the announce
	assert.Equal(t, 4, received())
}

func TestUDPTrackerTimeout(t *testing.T) {
	addr, received := fakeTracker(t, 1000, "")
	tr := NewTransport(nil, 10*time.Millisecond)
	defer tr.Close()
	u, err := url.Parse("udp://" + addr)
	require.NoError(t, err)
	trk := New(u.String(), u, tr, 100*time.Millisecond)

	_, err = trk.Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, received(), 1)
	assert.Empty(t, tr.transactions)
}

func TestUDPTrackerBlocked(t *testing.T) {
	bl := blocklist.New(logger.New("blocklist"))
	_, err := bl.Reload(strings.NewReader("127.0.0.0/8\n"))
	require.NoError(t, err)
	tr := NewTransport(bl, time.Second)
	defer tr.Close()

	_, err = newTracker(t, "udp://127.0.0.1:5002/announce", tr).Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorIs(t, err, errBlocked)
}

func TestTransportClosed(t *testing.T) {
	addr, _ := fakeTracker(t, 0, "")
	tr := NewTransport(nil, time.Second)
	require.NoError(t, tr.Close())
	_, err := newTracker(t, "udp://"+addr, tr).Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorIs(t, err, errClosed)
}

func TestAnnouncePacketURLData(t *testing.T) {
	long := "/announce?" + strings.Repeat("x", 300)
	p := &announcePacket{urlData: long}
	b, err := p.encode(42, 7)
	require.NoError(t, err)
	require.Len(t, b, 98+2+255+2+(len(long)-255))

	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(b[0:8]))
	assert.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[12:16]))
	opts := b[98:]
	assert.Equal(t, []byte{urlDataOption, 255}, opts[:2])
	assert.Equal(t, []byte{urlDataOption, byte(len(long) - 255)}, opts[257:259])
	var data bytes.Buffer
	data.Write(opts[2:257])
	data.Write(opts[259:])
	assert.Equal(t, long, data.String())
}

func TestParseAnnounceResponse(t *testing.T) {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(actionAnnounce))
	b = binary.BigEndian.AppendUint32(b, 1)
	b = binary.BigEndian.AppendUint32(b, 1800)
	b = binary.BigEndian.AppendUint32(b, 3)
	b = binary.BigEndian.AppendUint32(b, 4)
	b = append(b, 10, 0, 0, 1, 0x1a, 0xe1)

	resp, err := parseAnnounceResponse(b)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int32(3), resp.Leechers)
	assert.Equal(t, int32(4), resp.Seeders)
	assert.Equal(t, "10.0.0.1:6881", resp.Peers[0].String())

	_, err = parseAnnounceResponse(b[:19])
	assert.ErrorIs(t, err, tracker.ErrDecode)
	_, err = parseAnnounceResponse(append(b, 1))
	assert.ErrorIs(t, err, tracker.ErrDecode)
	b[3] = byte(actionConnect)
	_, err = parseAnnounceResponse(b)
	assert.ErrorIs(t, err, errInvalidAction)
}
