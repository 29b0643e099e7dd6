package session

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/drizzle/internal/piece"
)

// Request is a block request sent to a peer and not answered yet.
type Request struct {
	Block  piece.BlockKey
	SentAt time.Time
	Retry  bool
}

type peerRequests struct {
	m        sync.Mutex
	requests map[piece.BlockKey]*Request
	inFlight atomic.Int32
	// set when the entry is removed from the table; no request is added after that.
	released bool
}

// PendingRequests tracks outstanding requests per peer and in-flight counters per peer and piece.
// Peers are locked independently of each other.
type PendingRequests struct {
	peers    sync.Map // netip.AddrPort -> *peerRequests
	perPiece []atomic.Int32
	now      func() time.Time
}

// NewPendingRequests returns an empty table for numPieces pieces.
func NewPendingRequests(numPieces uint32) *PendingRequests {
	return &PendingRequests{
		perPiece: make([]atomic.Int32, numPieces),
		now:      time.Now,
	}
}

func (p *PendingRequests) peer(addr netip.AddrPort) *peerRequests {
	if v, ok := p.peers.Load(addr); ok {
		return v.(*peerRequests)
	}
	v, _ := p.peers.LoadOrStore(addr, &peerRequests{requests: make(map[piece.BlockKey]*Request)})
	return v.(*peerRequests)
}

// Track records a request to be sent. It returns false if the block is already pending for the peer
// and not marked for retry. A retried request gets a new timestamp and takes its piece slot back.
func (p *PendingRequests) Track(addr netip.AddrPort, key piece.BlockKey) bool {
	return p.track(p.peer(addr), key)
}

func (p *PendingRequests) track(pr *peerRequests, key piece.BlockKey) bool {
	pr.m.Lock()
	defer pr.m.Unlock()
	if pr.released {
		return false
	}
	if r, ok := pr.requests[key]; ok {
		if !r.Retry {
			return false
		}
		r.Retry = false
		r.SentAt = p.now()
		p.perPiece[key.PieceIndex].Add(1)
		return true
	}
	pr.requests[key] = &Request{Block: key, SentAt: p.now()}
	pr.inFlight.Add(1)
	p.perPiece[key.PieceIndex].Add(1)
	return true
}

// Complete removes a pending request. It returns false if the block was not requested from the peer.
func (p *PendingRequests) Complete(addr netip.AddrPort, key piece.BlockKey) (Request, bool) {
	v, ok := p.peers.Load(addr)
	if !ok {
		return Request{}, false
	}
	pr := v.(*peerRequests)
	pr.m.Lock()
	defer pr.m.Unlock()
	r, ok := pr.requests[key]
	if !ok {
		return Request{}, false
	}
	p.remove(pr, r)
	return *r, true
}

// remove must be called with pr.m held.
func (p *PendingRequests) remove(pr *peerRequests, r *Request) {
	delete(pr.requests, r.Block)
	pr.inFlight.Add(-1)
	if !r.Retry {
		p.perPiece[r.Block.PieceIndex].Add(-1)
	}
}

// Has returns true if the block is pending for the peer.
func (p *PendingRequests) Has(addr netip.AddrPort, key piece.BlockKey) bool {
	v, ok := p.peers.Load(addr)
	if !ok {
		return false
	}
	pr := v.(*peerRequests)
	pr.m.Lock()
	defer pr.m.Unlock()
	_, ok = pr.requests[key]
	return ok
}

// MarkStale marks the requests of the peer older than timeout for retry and returns them.
// Requests that are already marked are not returned again.
// Marked requests stay pending for the peer but no longer count against the piece,
// so other peers may request the same blocks.
func (p *PendingRequests) MarkStale(addr netip.AddrPort, timeout time.Duration) []piece.BlockKey {
	v, ok := p.peers.Load(addr)
	if !ok {
		return nil
	}
	pr := v.(*peerRequests)
	now := p.now()
	pr.m.Lock()
	defer pr.m.Unlock()
	var ret []piece.BlockKey
	for key, r := range pr.requests {
		if r.Retry || now.Sub(r.SentAt) < timeout {
			continue
		}
		r.Retry = true
		p.perPiece[key.PieceIndex].Add(-1)
		ret = append(ret, key)
	}
	return ret
}

// ReleasePeer drops every request of the peer and returns the number dropped.
func (p *PendingRequests) ReleasePeer(addr netip.AddrPort) int {
	v, ok := p.peers.LoadAndDelete(addr)
	if !ok {
		return 0
	}
	pr := v.(*peerRequests)
	pr.m.Lock()
	defer pr.m.Unlock()
	pr.released = true
	n := len(pr.requests)
	for _, r := range pr.requests {
		p.remove(pr, r)
	}
	return n
}

// ReleasePiece drops the requests of a piece from every peer.
// It returns the peers that had requests for the piece.
func (p *PendingRequests) ReleasePiece(index uint32) []netip.AddrPort {
	var ret []netip.AddrPort
	p.peers.Range(func(k, v any) bool {
		pr := v.(*peerRequests)
		pr.m.Lock()
		var found bool
		for key, r := range pr.requests {
			if key.PieceIndex == index {
				p.remove(pr, r)
				found = true
			}
		}
		pr.m.Unlock()
		if found {
			ret = append(ret, k.(netip.AddrPort))
		}
		return true
	})
	return ret
}

// PeerInFlight returns the number of pending requests of the peer.
func (p *PendingRequests) PeerInFlight(addr netip.AddrPort) int {
	v, ok := p.peers.Load(addr)
	if !ok {
		return 0
	}
	return int(v.(*peerRequests).inFlight.Load())
}

// PieceInFlight returns the number of pending requests for the piece across all peers.
// Requests marked for retry are not counted.
func (p *PendingRequests) PieceInFlight(index uint32) int {
	return int(p.perPiece[index].Load())
}
