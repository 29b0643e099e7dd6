// Package piecemanager keeps track of local piece completion and how many peers have each piece.
package piecemanager

import (
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/google/btree"
)

// ErrSnapshotLength is returned when a snapshot does not match the piece count.
var ErrSnapshotLength = errors.New("bitfield length does not match piece count")

// PieceManager owns the local completion bitfield and the rarity table.
// The bitfield is guarded by a lock; rarity counters are atomic so peers do not serialize each other.
type PieceManager struct {
	numPieces       uint32
	rarityThreshold int32

	m    sync.RWMutex
	have *bitfield.Bitfield

	rarity []atomic.Int32
}

// New returns a PieceManager for numPieces pieces, none of them complete.
func New(numPieces uint32, rarityThreshold int) *PieceManager {
	return &PieceManager{
		numPieces:       numPieces,
		rarityThreshold: int32(rarityThreshold),
		have:            bitfield.New(numPieces),
		rarity:          make([]atomic.Int32, numPieces),
	}
}

// NumPieces returns the total number of pieces.
func (pm *PieceManager) NumPieces() uint32 {
	return pm.numPieces
}

// HasPiece returns true if the piece is complete locally.
func (pm *PieceManager) HasPiece(index uint32) bool {
	if index >= pm.numPieces {
		return false
	}
	pm.m.RLock()
	defer pm.m.RUnlock()
	return pm.have.Test(index)
}

// MarkPieceComplete sets the piece as complete. Returns false if it was already complete.
func (pm *PieceManager) MarkPieceComplete(index uint32) bool {
	pm.m.Lock()
	defer pm.m.Unlock()
	if pm.have.Test(index) {
		return false
	}
	pm.have.Set(index)
	return true
}

// MarkPieceIncomplete clears the piece. Returns false if it was not complete.
func (pm *PieceManager) MarkPieceIncomplete(index uint32) bool {
	pm.m.Lock()
	defer pm.m.Unlock()
	if !pm.have.Test(index) {
		return false
	}
	pm.have.Clear(index)
	return true
}

// HasAllPieces returns true when every piece is complete.
func (pm *PieceManager) HasAllPieces() bool {
	pm.m.RLock()
	defer pm.m.RUnlock()
	return pm.have.All()
}

// CompletedCount returns the number of complete pieces.
func (pm *PieceManager) CompletedCount() uint32 {
	pm.m.RLock()
	defer pm.m.RUnlock()
	return pm.have.Count()
}

// Bitfield returns a copy of the local bitfield in wire format.
func (pm *PieceManager) Bitfield() []byte {
	pm.m.RLock()
	defer pm.m.RUnlock()
	return pm.have.Copy().Bytes()
}

// GetMissingPieces returns indices of incomplete pieces in ascending order.
func (pm *PieceManager) GetMissingPieces() []uint32 {
	pm.m.RLock()
	defer pm.m.RUnlock()
	ret := make([]uint32, 0, pm.numPieces-pm.have.Count())
	for i := uint32(0); i < pm.numPieces; i++ {
		if !pm.have.Test(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

// Rarity returns the number of connected peers known to have the piece.
func (pm *PieceManager) Rarity(index uint32) int32 {
	if index >= pm.numPieces {
		return 0
	}
	return pm.rarity[index].Load()
}

// IsRare returns true if the piece is held by at most the rarity threshold of peers.
func (pm *PieceManager) IsRare(index uint32) bool {
	return pm.Rarity(index) <= pm.rarityThreshold
}

type rarityItem struct {
	rarity int32
	index  uint32
}

func lessRarity(a, b rarityItem) bool {
	if a.rarity != b.rarity {
		return a.rarity < b.rarity
	}
	return a.index < b.index
}

// GetRarestPieces orders candidates by ascending rarity, ties by index.
func (pm *PieceManager) GetRarestPieces(candidates []uint32) []uint32 {
	t := btree.NewG[rarityItem](8, lessRarity)
	for _, i := range candidates {
		if i >= pm.numPieces {
			continue
		}
		t.ReplaceOrInsert(rarityItem{rarity: pm.rarity[i].Load(), index: i})
	}
	ret := make([]uint32, 0, t.Len())
	t.Ascend(func(it rarityItem) bool {
		ret = append(ret, it.index)
		return true
	})
	return ret
}

// GetRarePieces returns missing pieces whose rarity is within the threshold and seen on at least one peer.
func (pm *PieceManager) GetRarePieces() []uint32 {
	var ret []uint32
	for i := range pm.rarity {
		r := pm.rarity[i].Load()
		if r > 0 && r <= pm.rarityThreshold && !pm.HasPiece(uint32(i)) {
			ret = append(ret, uint32(i))
		}
	}
	return ret
}

// AddPeerPiece counts one more peer having the piece.
func (pm *PieceManager) AddPeerPiece(index uint32) {
	if index < pm.numPieces {
		pm.rarity[index].Add(1)
	}
}

// AddPeerPieces counts a peer's whole piece set.
func (pm *PieceManager) AddPeerPieces(pieces iter.Seq[uint32]) {
	for i := range pieces {
		pm.AddPeerPiece(i)
	}
}

// RemovePeerPieces removes a disconnected peer's pieces from the rarity table.
func (pm *PieceManager) RemovePeerPieces(pieces iter.Seq[uint32]) {
	for i := range pieces {
		if i >= pm.numPieces {
			continue
		}
		for {
			v := pm.rarity[i].Load()
			if v <= 0 || pm.rarity[i].CompareAndSwap(v, v-1) {
				break
			}
		}
	}
}
