package session

import (
	"bytes"
	"time"

	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/piecemanager"
	"github.com/cenkalti/drizzle/internal/resumer"
)

// FromSnapshot restores a paused session. The snapshot is validated before anything is built.
func FromSnapshot(spec *resumer.Spec, peerID [20]byte, cfg Config) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	info, err := metainfo.NewInfo(spec.Info)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(info.Hash[:], spec.InfoHash) {
		return nil, errInfoHashMismatch
	}
	if spec.PieceManager.TotalPieces != info.NumPieces {
		return nil, piecemanager.ErrSnapshotLength
	}
	pm, err := piecemanager.NewFromSnapshot(spec.PieceManager, cfg.PieceRarityThreshold)
	if err != nil {
		return nil, err
	}
	s := newSession(spec.Name, info, spec.Trackers, spec.Dest, peerID, cfg)
	s.PieceManager = pm
	s.Counters.Restore(spec.BytesDownloaded, spec.BytesUploaded, spec.BytesWasted)
	if spec.TrackerIndex >= 0 && spec.TrackerIndex < len(spec.Trackers) {
		s.trackerIndex.Store(int32(spec.TrackerIndex))
	}
	remaining := info.TotalLength
	for i := range info.NumPieces {
		if pm.HasPiece(i) {
			remaining -= int64(info.PieceLengthOf(i))
		}
	}
	s.remaining.Store(remaining)
	return s, nil
}

// Snapshot returns the document that is saved when the session is paused.
func (s *Session) Snapshot() *resumer.Spec {
	return &resumer.Spec{
		Name:            s.Name,
		InfoHash:        append([]byte(nil), s.InfoHash[:]...),
		Info:            s.Info.Bytes,
		Dest:            s.Dest,
		FileMap:         s.FileMap,
		Trackers:        s.trackers,
		TrackerIndex:    s.TrackerIndex(),
		BytesDownloaded: s.Counters.Read(counters.BytesDownloaded),
		BytesUploaded:   s.Counters.Read(counters.BytesUploaded),
		BytesWasted:     s.Counters.Read(counters.BytesWasted),
		PieceManager:    s.PieceManager.Snapshot(),
		PausedAt:        time.Now().UTC(),
	}
}
