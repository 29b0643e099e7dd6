package piecemanager

import "github.com/cenkalti/drizzle/internal/bitfield"

// Snapshot is the serializable state of the local bitfield.
type Snapshot struct {
	TotalPieces   uint32 `json:"total_pieces"`
	LocalBitfield []bool `json:"local_bitfield"`
}

// Snapshot returns the current completion state.
func (pm *PieceManager) Snapshot() Snapshot {
	pm.m.RLock()
	defer pm.m.RUnlock()
	return Snapshot{TotalPieces: pm.numPieces, LocalBitfield: pm.have.Bools()}
}

// Validate checks that the bitfield length equals the piece count.
func (s Snapshot) Validate() error {
	if uint32(len(s.LocalBitfield)) != s.TotalPieces {
		return ErrSnapshotLength
	}
	return nil
}

// NewFromSnapshot restores a PieceManager. Rarity starts empty.
func NewFromSnapshot(s Snapshot, rarityThreshold int) (*PieceManager, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	pm := New(s.TotalPieces, rarityThreshold)
	pm.have = bitfield.FromBools(s.LocalBitfield)
	return pm, nil
}
