package messagehandler

import (
	"bytes"
	"net/netip"
	"os"
	"testing"

	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/session"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	metrics.NewMeter().Stop()
	os.Exit(m.Run())
}

type fakePeerManager struct {
	queued   []peerprotocol.Message
	requests int
	fast     int
	haves    []uint32
	dropped  []error
}

func (f *fakePeerManager) QueueMessage(pe *peer.Peer, msg peerprotocol.Message) bool {
	f.queued = append(f.queued, msg)
	return true
}
func (f *fakePeerManager) QueuePieceRequests(pe *peer.Peer) { f.requests++ }
func (f *fakePeerManager) FastUnchoke(pe *peer.Peer)        { f.fast++ }
func (f *fakePeerManager) BroadcastHave(index uint32)       { f.haves = append(f.haves, index) }
func (f *fakePeerManager) Drop(pe *peer.Peer, reason error) { f.dropped = append(f.dropped, reason) }

var testData = append(bytes.Repeat([]byte{'a'}, 32), bytes.Repeat([]byte{'b'}, 20)...)

func newTestHandler(t *testing.T) (*Handler, *fakePeerManager, *session.Session, *peer.Peer) {
	b, err := metainfo.NewInfoBytes("test", 32, []metainfo.FileDict{{Length: int64(len(testData))}}, bytes.NewReader(testData))
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	cfg := session.DefaultConfig
	cfg.BlockSize = 16
	s := session.New("test", info, nil, t.TempDir(), [20]byte{9}, cfg)
	t.Cleanup(s.Close)
	pm := &fakePeerManager{}
	h := New(s, pm)
	pe, _ := s.AddPeer(netip.MustParseAddrPort("10.0.0.1:6881"))
	return h, pm, s, pe
}

func handshake(t *testing.T, h *Handler, s *session.Session, pe *peer.Peer) {
	h.Handle(pe, peerprotocol.HandshakeMessage{InfoHash: s.InfoHash, PeerID: [20]byte{7}})
	require.True(t, pe.Connected())
}

func TestHandshake(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	var connected []*peer.Peer
	s.PeerConnected.Subscribe(func(p *peer.Peer) { connected = append(connected, p) })

	handshake(t, h, s, pe)

	assert.True(t, pe.HandshakeCompleted())
	assert.True(t, pe.FollowsOrder())
	assert.Equal(t, peer.AwaitingBitfield, pe.Stage())
	id, ok := pe.ID()
	assert.True(t, ok)
	assert.Equal(t, [20]byte{7}, id)
	assert.Equal(t, []*peer.Peer{pe}, connected)
	assert.Equal(t, []peerprotocol.Message{peerprotocol.BitfieldMessage{Data: []byte{0}}}, pm.queued)
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	h, pm, _, pe := newTestHandler(t)
	h.Handle(pe, peerprotocol.HandshakeMessage{InfoHash: [20]byte{1}})
	assert.Equal(t, []error{errInfoHashMismatch}, pm.dropped)
	assert.False(t, pe.Connected())
}

func TestBitfieldAndHave(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	pm.queued = nil

	h.Handle(pe, peerprotocol.BitfieldMessage{Data: []byte{0x80}})
	assert.True(t, pe.BitfieldReceived())
	assert.True(t, pe.FollowsOrder())
	assert.Equal(t, peer.AwaitingHaveOrRequest, pe.Stage())
	assert.Equal(t, int32(1), s.PieceManager.Rarity(0))
	assert.Equal(t, int32(0), s.PieceManager.Rarity(1))
	assert.Equal(t, []peerprotocol.Message{peerprotocol.InterestedMessage{}}, pm.queued)
	assert.False(t, pe.Seeder())

	h.Handle(pe, peerprotocol.HaveMessage{Index: 1})
	assert.Equal(t, int32(1), s.PieceManager.Rarity(1))
	assert.Equal(t, peer.AwaitingPiece, pe.Stage())
	assert.True(t, pe.Seeder())
	// already interested
	assert.Len(t, pm.queued, 1)

	// duplicate have does not change rarity
	h.Handle(pe, peerprotocol.HaveMessage{Index: 1})
	assert.Equal(t, int32(1), s.PieceManager.Rarity(1))
	assert.False(t, pe.FollowsOrder())

	h.Handle(pe, peerprotocol.HaveMessage{Index: 2})
	assert.Len(t, pm.dropped, 1)
	assert.ErrorIs(t, pm.dropped[0], errPieceIndex)
}

func TestInvalidBitfield(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	h.Handle(pe, peerprotocol.BitfieldMessage{Data: []byte{0x80, 0x00}})
	assert.Len(t, pm.dropped, 1)
}

func TestOutOfOrder(t *testing.T) {
	h, _, _, pe := newTestHandler(t)
	h.Handle(pe, peerprotocol.UnchokeMessage{})
	assert.False(t, pe.FollowsOrder())
	assert.False(t, pe.PeerChoking())
}

func TestChokeInterest(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	h.Handle(pe, peerprotocol.UnchokeMessage{})
	assert.True(t, pe.FollowsOrder())
	assert.Equal(t, 1, pm.requests)
	s.Pending.Track(pe.Addr, piece.BlockKey{PieceIndex: 0, Begin: 0, Length: 16})
	h.Handle(pe, peerprotocol.ChokeMessage{})
	assert.True(t, pe.PeerChoking())
	assert.Equal(t, 0, s.Pending.PeerInFlight(pe.Addr))
	assert.Equal(t, 0, s.Pending.PieceInFlight(0))
	h.Handle(pe, peerprotocol.InterestedMessage{})
	assert.True(t, pe.PeerInterested())
	assert.Equal(t, 1, pm.fast)
	h.Handle(pe, peerprotocol.NotInterestedMessage{})
	assert.False(t, pe.PeerInterested())
}

func deliver(h *Handler, s *session.Session, pe *peer.Peer, index, begin uint32, data []byte) {
	s.Pending.Track(pe.Addr, piece.BlockKey{PieceIndex: index, Begin: begin, Length: uint32(len(data))})
	h.Handle(pe, peerprotocol.PieceMessage{Index: index, Begin: begin, Data: data})
}

func TestPieceFlow(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	h.Handle(pe, peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	h.Handle(pe, peerprotocol.UnchokeMessage{})

	var received []piece.Block
	s.BlockReceived.Subscribe(func(e session.BlockReceived) { received = append(received, e.Block) })
	var completed int
	s.FileCompleted.Subscribe(func(struct{}) { completed++ })

	deliver(h, s, pe, 0, 0, testData[0:16])
	assert.Equal(t, peer.Established, pe.Stage())
	assert.False(t, s.PieceManager.HasPiece(0))
	deliver(h, s, pe, 0, 16, testData[16:32])
	assert.True(t, s.PieceManager.HasPiece(0))
	assert.Equal(t, []uint32{0}, pm.haves)
	assert.Equal(t, int64(20), s.BytesRemaining())
	assert.Len(t, received, 2)
	assert.Equal(t, 0, completed)

	deliver(h, s, pe, 1, 0, testData[32:48])
	deliver(h, s, pe, 1, 16, testData[48:52])
	assert.Equal(t, []uint32{0, 1}, pm.haves)
	assert.Equal(t, int64(0), s.BytesRemaining())
	assert.Equal(t, 1, completed)
	assert.Equal(t, int64(52), s.Counters.Read(counters.BytesDownloaded))
	assert.Equal(t, int64(52), pe.Metrics.BytesDownloaded())
	assert.Equal(t, 0, s.Pending.PeerInFlight(pe.Addr))
}

func TestUnrequestedPiece(t *testing.T) {
	h, _, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	h.Handle(pe, peerprotocol.PieceMessage{Index: 0, Begin: 0, Data: testData[0:16]})
	assert.False(t, s.Pieces[0].HasBlock(0))
	assert.Equal(t, int64(16), s.Counters.Read(counters.BytesWasted))
}

func TestHashMismatch(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	deliver(h, s, pe, 0, 0, testData[0:16])
	deliver(h, s, pe, 0, 16, bytes.Repeat([]byte{'x'}, 16))
	assert.False(t, s.PieceManager.HasPiece(0))
	assert.False(t, s.Pieces[0].HasBlock(0))
	assert.Empty(t, pm.haves)
	assert.Equal(t, int64(32), s.Counters.Read(counters.BytesWasted))
	assert.Equal(t, int64(52), s.BytesRemaining())
}

func TestRequest(t *testing.T) {
	h, pm, s, pe := newTestHandler(t)
	handshake(t, h, s, pe)
	var requests []session.BlockRequest
	s.BlockRequestReceived.Subscribe(func(r session.BlockRequest) { requests = append(requests, r) })
	s.PieceManager.MarkPieceComplete(1)

	// choked peers are ignored
	h.Handle(pe, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 16})
	assert.Empty(t, requests)

	pe.SetAmChoking(false)
	h.Handle(pe, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 16})
	assert.Empty(t, requests, "piece we don't have")
	h.Handle(pe, peerprotocol.RequestMessage{Index: 1, Begin: 16, Length: 4})
	assert.Equal(t, []session.BlockRequest{{Peer: pe, Index: 1, Begin: 16, Length: 4}}, requests)

	h.Handle(pe, peerprotocol.RequestMessage{Index: 1, Begin: 16, Length: 5})
	require.Len(t, pm.dropped, 1)
	assert.ErrorIs(t, pm.dropped[0], errBlockRange)
}
