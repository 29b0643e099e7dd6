// Package peer contains the state kept for every remote peer of a torrent and its performance score.
package peer

import (
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/drizzle/internal/bitfield"
)

// Peer is a remote peer known to a session. It outlives single connections so that
// its score history is kept across reconnects. Safe for concurrent use.
type Peer struct {
	Addr    netip.AddrPort
	Metrics *Metrics

	m      sync.RWMutex
	id     [20]byte
	hasID  bool
	pieces *bitfield.Bitfield

	stage              atomic.Int32
	connected          atomic.Bool
	handshakeCompleted atomic.Bool
	bitfieldReceived   atomic.Bool
	followsOrder       atomic.Bool

	amChoking      atomic.Bool // we are choking the peer
	amInterested   atomic.Bool // we are interested in the peer
	peerChoking    atomic.Bool // the peer is choking us
	peerInterested atomic.Bool // the peer is interested in us

	lastActive         atomic.Int64
	lastReceived       atomic.Int64
	lastConnectAttempt atomic.Int64

	timeouts   atomic.Int32
	rarePieces atomic.Int32
	seeder     atomic.Bool
	decay      atomic.Uint64
}

// New returns a disconnected peer for a torrent with numPieces pieces.
func New(addr netip.AddrPort, numPieces uint32) *Peer {
	p := &Peer{
		Addr:    addr,
		Metrics: NewMetrics(),
		pieces:  bitfield.New(numPieces),
	}
	p.followsOrder.Store(true)
	p.amChoking.Store(true)
	p.peerChoking.Store(true)
	p.decay.Store(math.Float64bits(1))
	return p
}

func (p *Peer) String() string {
	return p.Addr.String()
}

// ID returns the peer id received in the handshake.
func (p *Peer) ID() (id [20]byte, ok bool) {
	p.m.RLock()
	defer p.m.RUnlock()
	return p.id, p.hasID
}

// SetID binds the peer id.
func (p *Peer) SetID(id [20]byte) {
	p.m.Lock()
	p.id = id
	p.hasID = true
	p.m.Unlock()
}

// Stage returns the current protocol stage.
func (p *Peer) Stage() Stage { return Stage(p.stage.Load()) }

// AdvanceStage moves the stage forward to s. Returns false if the peer is already at or past s.
func (p *Peer) AdvanceStage(s Stage) bool {
	for {
		cur := p.stage.Load()
		if Stage(cur) >= s {
			return false
		}
		if p.stage.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// CompareAndAdvance moves the stage from exactly `from` to `to`.
func (p *Peer) CompareAndAdvance(from, to Stage) bool {
	return from < to && p.stage.CompareAndSwap(int32(from), int32(to))
}

// ResetConnection clears per-connection state. Called when a new connection is started.
func (p *Peer) ResetConnection() {
	p.stage.Store(int32(AwaitingHandshake))
	p.connected.Store(false)
	p.handshakeCompleted.Store(false)
	p.bitfieldReceived.Store(false)
	p.followsOrder.Store(true)
	p.amChoking.Store(true)
	p.amInterested.Store(false)
	p.peerChoking.Store(true)
	p.peerInterested.Store(false)
	p.m.Lock()
	p.pieces = bitfield.New(p.pieces.Len())
	p.m.Unlock()
	p.rarePieces.Store(0)
	p.seeder.Store(false)
	p.decay.Store(math.Float64bits(1))
	now := time.Now().UnixNano()
	p.lastActive.Store(now)
	p.lastReceived.Store(now)
}

// Connected returns true after a successful handshake until disconnect.
func (p *Peer) Connected() bool { return p.connected.Load() }

// SetConnected sets the connected flag.
func (p *Peer) SetConnected(v bool) { p.connected.Store(v) }

// HandshakeCompleted returns true if a valid handshake was received on the current connection.
func (p *Peer) HandshakeCompleted() bool { return p.handshakeCompleted.Load() }

// SetHandshakeCompleted marks the handshake as received.
func (p *Peer) SetHandshakeCompleted() { p.handshakeCompleted.Store(true) }

// BitfieldReceived returns true if the peer sent its bitfield.
func (p *Peer) BitfieldReceived() bool { return p.bitfieldReceived.Load() }

// FollowsOrder returns the result of the last message order check.
func (p *Peer) FollowsOrder() bool { return p.followsOrder.Load() }

// SetFollowsOrder records the result of a message order check.
func (p *Peer) SetFollowsOrder(v bool) { p.followsOrder.Store(v) }

// AmChoking returns true if we are choking the peer.
func (p *Peer) AmChoking() bool { return p.amChoking.Load() }

// SetAmChoking sets our choke state. Returns true if it changed.
func (p *Peer) SetAmChoking(v bool) bool { return p.amChoking.Swap(v) != v }

// AmInterested returns true if we are interested in the peer.
func (p *Peer) AmInterested() bool { return p.amInterested.Load() }

// SetAmInterested sets our interest. Returns true if it changed.
func (p *Peer) SetAmInterested(v bool) bool { return p.amInterested.Swap(v) != v }

// PeerChoking returns true if the peer is choking us.
func (p *Peer) PeerChoking() bool { return p.peerChoking.Load() }

// SetPeerChoking records a choke or unchoke message from the peer.
func (p *Peer) SetPeerChoking(v bool) { p.peerChoking.Store(v) }

// PeerInterested returns true if the peer is interested in us.
func (p *Peer) PeerInterested() bool { return p.peerInterested.Load() }

// SetPeerInterested records an interested or not interested message from the peer.
func (p *Peer) SetPeerInterested(v bool) { p.peerInterested.Store(v) }

// SetPieces replaces the available piece set with a received bitfield.
// It returns the indices of the previous set so the caller can update rarity.
func (p *Peer) SetPieces(bf *bitfield.Bitfield) (previous []uint32) {
	p.m.Lock()
	defer p.m.Unlock()
	for i := range p.pieces.SetIndices() {
		previous = append(previous, i)
	}
	p.pieces = bf
	p.bitfieldReceived.Store(true)
	return previous
}

// AddPiece adds a piece from a have message. Returns false if it was already in the set or out of range.
func (p *Peer) AddPiece(index uint32) bool {
	p.m.Lock()
	defer p.m.Unlock()
	if index >= p.pieces.Len() || p.pieces.Test(index) {
		return false
	}
	p.pieces.Set(index)
	return true
}

// HasPiece returns true if the peer claims to have the piece.
func (p *Peer) HasPiece(index uint32) bool {
	p.m.RLock()
	defer p.m.RUnlock()
	return index < p.pieces.Len() && p.pieces.Test(index)
}

// PieceIndices returns the indices of pieces the peer has.
func (p *Peer) PieceIndices() []uint32 {
	p.m.RLock()
	defer p.m.RUnlock()
	var ret []uint32
	for i := range p.pieces.SetIndices() {
		ret = append(ret, i)
	}
	return ret
}

// PieceCount returns the number of pieces the peer has.
func (p *Peer) PieceCount() uint32 {
	p.m.RLock()
	defer p.m.RUnlock()
	return p.pieces.Count()
}

// HasAllPieces returns true if the peer has every piece.
func (p *Peer) HasAllPieces() bool {
	p.m.RLock()
	defer p.m.RUnlock()
	return p.pieces.Len() > 0 && p.pieces.All()
}

// Touch records socket activity. received is true for reads.
func (p *Peer) Touch(received bool) {
	now := time.Now().UnixNano()
	p.lastActive.Store(now)
	if received {
		p.lastReceived.Store(now)
	}
}

// LastActive returns the time of the last read or write.
func (p *Peer) LastActive() time.Time { return time.Unix(0, p.lastActive.Load()) }

// LastReceived returns the time of the last read.
func (p *Peer) LastReceived() time.Time { return time.Unix(0, p.lastReceived.Load()) }

// MarkConnectAttempt records the time of a connection attempt.
func (p *Peer) MarkConnectAttempt() { p.lastConnectAttempt.Store(time.Now().UnixNano()) }

// LastConnectAttempt returns the time of the last connection attempt, zero if never.
func (p *Peer) LastConnectAttempt() time.Time {
	v := p.lastConnectAttempt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Timeouts returns the number of idle timeouts counted for the peer.
func (p *Peer) Timeouts() int { return int(p.timeouts.Load()) }

// IncrTimeouts counts one more idle timeout.
func (p *Peer) IncrTimeouts() { p.timeouts.Add(1) }

// SetRarePieces sets the number of rare pieces the peer holds.
func (p *Peer) SetRarePieces(n int) { p.rarePieces.Store(int32(n)) }

// RarePieces returns the number of rare pieces the peer holds.
func (p *Peer) RarePieces() int { return int(p.rarePieces.Load()) }

// Seeder returns true if the peer was seen with all pieces.
func (p *Peer) Seeder() bool { return p.seeder.Load() }

// SetSeeder sets the seeder flag.
func (p *Peer) SetSeeder(v bool) { p.seeder.Store(v) }

// Decay returns the score multiplier.
func (p *Peer) Decay() float64 { return math.Float64frombits(p.decay.Load()) }

// ApplyDecay multiplies the score multiplier by factor.
func (p *Peer) ApplyDecay(factor float64) {
	for {
		old := p.decay.Load()
		v := math.Float64frombits(old) * factor
		if p.decay.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}
