// Package session contains the shared state of a single torrent download.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/event"
	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/outqueue"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/piecemanager"
)

// DefaultAnnounceInterval is used until a tracker returns an interval.
const DefaultAnnounceInterval = 30 * time.Minute

var errInfoHashMismatch = errors.New("info hash does not match info dict")

// Session is the aggregate root of a torrent download. Its identity is immutable.
// Mutable state is safe for concurrent use from peer tasks.
type Session struct {
	Name     string
	InfoHash [20]byte
	PeerID   [20]byte
	Info     *metainfo.Info
	Dest     string
	Config   Config

	FileMap      *filemap.FileMap
	Pieces       []*piece.Piece
	PieceManager *piecemanager.PieceManager
	Pending      *PendingRequests
	Counters     counters.Counters
	Metrics      *Metrics
	Log          logger.Logger

	trackers     []string
	trackerIndex atomic.Int32
	interval     atomic.Int64
	seeders      atomic.Int32
	leechers     atomic.Int32
	remaining    atomic.Int64

	flushOnStop    atomic.Bool
	snapshotOnStop atomic.Bool

	mPeers    sync.RWMutex
	peers     map[netip.AddrPort]*peer.Peer
	connected map[netip.AddrPort]*peer.Peer
	queues    map[netip.AddrPort]*outqueue.Queue
	tasks     map[netip.AddrPort]*PeerTasks

	createdAt time.Time

	// Events raised by the components of the session.
	TrackerResponse         event.Event[TrackerResponse]
	PeerConnected           event.Event[*peer.Peer]
	PeerDisconnected        event.Event[*peer.Peer]
	MessageReceived         event.Event[MessageReceived]
	BlockReceived           event.Event[BlockReceived]
	BlockRequestReceived    event.Event[BlockRequest]
	BlockRead               event.Event[BlockRead]
	PieceManagerSnapshotted event.Event[piecemanager.Snapshot]
	FileCompleted           event.Event[struct{}]
	PiecesFlushed           event.Event[int]
}

// TrackerResponse carries the result of a successful announce.
type TrackerResponse struct {
	Peers    []netip.AddrPort
	Interval time.Duration
	Seeders  int32
	Leechers int32
}

// MessageReceived is raised by the receive loop of a peer for every decoded message.
type MessageReceived struct {
	Peer    *peer.Peer
	Message peerprotocol.Message
}

// BlockReceived is raised when block data from a peer is stored in its piece.
type BlockReceived struct {
	Peer  *peer.Peer
	Block piece.Block
}

// BlockRequest is a request from a peer for a block we have.
type BlockRequest struct {
	Peer                 *peer.Peer
	Index, Begin, Length uint32
}

// BlockRead is raised when a requested block has been read from disk.
type BlockRead struct {
	Peer  *peer.Peer
	Block piece.Block
}

// PeerTasks is the handle of the tasks running for a connected peer.
type PeerTasks struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// New returns a new Session for a torrent that has not been downloaded before.
func New(name string, info *metainfo.Info, trackers []string, dest string, peerID [20]byte, cfg Config) *Session {
	s := newSession(name, info, trackers, dest, peerID, cfg)
	s.PieceManager = piecemanager.New(info.NumPieces, cfg.PieceRarityThreshold)
	s.remaining.Store(info.TotalLength)
	return s
}

func newSession(name string, info *metainfo.Info, trackers []string, dest string, peerID [20]byte, cfg Config) *Session {
	s := &Session{
		Name:      name,
		InfoHash:  info.Hash,
		PeerID:    peerID,
		Info:      info,
		Dest:      dest,
		Config:    cfg,
		FileMap:   filemap.New(info.PieceLength, info.FileList()),
		Pending:   NewPendingRequests(info.NumPieces),
		Log:       logger.ForSession("session", name),
		trackers:  trackers,
		peers:     make(map[netip.AddrPort]*peer.Peer),
		connected: make(map[netip.AddrPort]*peer.Peer),
		queues:    make(map[netip.AddrPort]*outqueue.Queue),
		tasks:     make(map[netip.AddrPort]*PeerTasks),
		createdAt: time.Now(),
	}
	s.Pieces = make([]*piece.Piece, info.NumPieces)
	for i := range s.Pieces {
		idx := uint32(i)
		s.Pieces[i] = piece.New(idx, info.PieceLengthOf(idx), info.HashOf(idx), cfg.BlockSize)
	}
	s.interval.Store(int64(DefaultAnnounceInterval))
	s.Metrics = newMetrics(s)
	return s
}

// Close stops the metrics of the session. The session must not be used after Close.
func (s *Session) Close() {
	s.Metrics.stop()
	s.mPeers.RLock()
	for _, pe := range s.peers {
		pe.Metrics.Stop()
	}
	s.mPeers.RUnlock()
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%x)", s.Name, s.InfoHash[:])
}

// PieceLength returns the length of the piece at index.
func (s *Session) PieceLength(index uint32) uint32 {
	return s.Info.PieceLengthOf(index)
}

// NumPieces returns the number of pieces in the torrent.
func (s *Session) NumPieces() uint32 {
	return s.Info.NumPieces
}

// BytesRemaining returns the number of bytes not downloaded and verified yet.
func (s *Session) BytesRemaining() int64 {
	return s.remaining.Load()
}

// AddRemaining adjusts the remaining byte counter by delta.
func (s *Session) AddRemaining(delta int64) int64 {
	return s.remaining.Add(delta)
}

// Trackers returns the tracker URLs in announce order.
func (s *Session) Trackers() []string {
	return s.trackers
}

// TrackerIndex returns the index of the tracker currently announced to.
func (s *Session) TrackerIndex() int {
	return int(s.trackerIndex.Load())
}

// RotateTracker moves to the next tracker and returns its index.
func (s *Session) RotateTracker() int {
	if len(s.trackers) == 0 {
		return 0
	}
	for {
		cur := s.trackerIndex.Load()
		next := (cur + 1) % int32(len(s.trackers))
		if s.trackerIndex.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// Interval returns the current announce interval.
func (s *Session) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval sets the announce interval.
func (s *Session) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
}

// SetSwarm records seeder and leecher counts reported by the tracker.
func (s *Session) SetSwarm(seeders, leechers int32) {
	s.seeders.Store(seeders)
	s.leechers.Store(leechers)
}

// SetStopIntent records what must be done after the session tasks stop.
func (s *Session) SetStopIntent(flush, snapshot bool) {
	s.flushOnStop.Store(flush)
	s.snapshotOnStop.Store(snapshot)
}

// FlushOnStop returns true if queued writes must be written on stop.
func (s *Session) FlushOnStop() bool { return s.flushOnStop.Load() }

// SnapshotOnStop returns true if a paused snapshot must be taken on stop.
func (s *Session) SnapshotOnStop() bool { return s.snapshotOnStop.Load() }

// AddPeer returns the known peer at addr, creating it if needed.
func (s *Session) AddPeer(addr netip.AddrPort) (pe *peer.Peer, created bool) {
	s.mPeers.Lock()
	defer s.mPeers.Unlock()
	if pe, ok := s.peers[addr]; ok {
		return pe, false
	}
	pe = peer.New(addr, s.NumPieces())
	s.peers[addr] = pe
	return pe, true
}

// Peer returns the known peer at addr.
func (s *Session) Peer(addr netip.AddrPort) (*peer.Peer, bool) {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	pe, ok := s.peers[addr]
	return pe, ok
}

// KnownPeers returns every peer learned from trackers.
func (s *Session) KnownPeers() []*peer.Peer {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	ret := make([]*peer.Peer, 0, len(s.peers))
	for _, pe := range s.peers {
		ret = append(ret, pe)
	}
	return ret
}

// ConnectedPeers returns peers that completed the handshake and are not disconnected yet.
func (s *Session) ConnectedPeers() []*peer.Peer {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	ret := make([]*peer.Peer, 0, len(s.connected))
	for _, pe := range s.connected {
		ret = append(ret, pe)
	}
	return ret
}

// NumConnected returns the number of connected peers.
func (s *Session) NumConnected() int {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	return len(s.connected)
}

// NumKnown returns the number of known peers.
func (s *Session) NumKnown() int {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	return len(s.peers)
}

// SetConnected adds the peer to the connected set. Returns false if the swarm is full.
func (s *Session) SetConnected(pe *peer.Peer) bool {
	s.mPeers.Lock()
	defer s.mPeers.Unlock()
	if _, ok := s.connected[pe.Addr]; ok {
		return true
	}
	if len(s.connected) >= s.Config.MaxSwarmSize {
		return false
	}
	s.connected[pe.Addr] = pe
	pe.SetConnected(true)
	return true
}

// RemoveConnected removes the peer from the connected set. Returns false if it was not connected.
func (s *Session) RemoveConnected(pe *peer.Peer) bool {
	s.mPeers.Lock()
	defer s.mPeers.Unlock()
	if _, ok := s.connected[pe.Addr]; !ok {
		return false
	}
	delete(s.connected, pe.Addr)
	pe.SetConnected(false)
	return true
}

// SetQueue binds the outbound queue of a peer.
func (s *Session) SetQueue(addr netip.AddrPort, q *outqueue.Queue) {
	s.mPeers.Lock()
	s.queues[addr] = q
	s.mPeers.Unlock()
}

// Queue returns the outbound queue of a peer.
func (s *Session) Queue(addr netip.AddrPort) (*outqueue.Queue, bool) {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	q, ok := s.queues[addr]
	return q, ok
}

// RemoveQueue releases the outbound queue of a peer.
func (s *Session) RemoveQueue(addr netip.AddrPort) {
	s.mPeers.Lock()
	delete(s.queues, addr)
	s.mPeers.Unlock()
}

// SetTasks binds the task handle of a peer. Returns false if the peer already has running tasks.
func (s *Session) SetTasks(addr netip.AddrPort, t *PeerTasks) bool {
	s.mPeers.Lock()
	defer s.mPeers.Unlock()
	if _, ok := s.tasks[addr]; ok {
		return false
	}
	s.tasks[addr] = t
	return true
}

// TakeTasks removes and returns the task handle of a peer. Only one caller gets the handle.
func (s *Session) TakeTasks(addr netip.AddrPort) (*PeerTasks, bool) {
	s.mPeers.Lock()
	defer s.mPeers.Unlock()
	t, ok := s.tasks[addr]
	delete(s.tasks, addr)
	return t, ok
}

// HasTasks returns true if the peer has running tasks.
func (s *Session) HasTasks(addr netip.AddrPort) bool {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	_, ok := s.tasks[addr]
	return ok
}

// AllTasks returns the task handles of every peer.
func (s *Session) AllTasks() map[netip.AddrPort]*PeerTasks {
	s.mPeers.RLock()
	defer s.mPeers.RUnlock()
	ret := make(map[netip.AddrPort]*PeerTasks, len(s.tasks))
	for k, v := range s.tasks {
		ret[k] = v
	}
	return ret
}
