// Package peerids keeps the ids of connected peers to detect duplicate connections.
package peerids

import "sync"

// PeerIDs is a set of peer ids. Safe for concurrent use.
type PeerIDs struct {
	ids map[[20]byte]struct{}
	own [20]byte
	m   sync.Mutex
}

// New returns an empty set. Connections carrying own id are connections to ourselves.
func New(own [20]byte) *PeerIDs {
	return &PeerIDs{
		ids: make(map[[20]byte]struct{}),
		own: own,
	}
}

// Add returns false if the id is ours or already in the set.
func (p *PeerIDs) Add(peerID [20]byte) bool {
	if peerID == p.own {
		return false
	}
	p.m.Lock()
	defer p.m.Unlock()
	_, ok := p.ids[peerID]
	if ok {
		return false
	}
	p.ids[peerID] = struct{}{}
	return true
}

// Remove the id from the set.
func (p *PeerIDs) Remove(peerID [20]byte) {
	p.m.Lock()
	delete(p.ids, peerID)
	p.m.Unlock()
}

// Len returns the number of ids in the set.
func (p *PeerIDs) Len() int {
	p.m.Lock()
	defer p.m.Unlock()
	return len(p.ids)
}
