// Package resumer contains the paused session document and the stores that persist it.
package resumer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/piecemanager"
)

// ErrNotFound is returned by Load and Delete when there is no paused session with the name.
var ErrNotFound = errors.New("paused session not found")

// Spec is the snapshot of a paused session.
type Spec struct {
	Name            string                `json:"name"`
	InfoHash        []byte                `json:"info_hash"`
	Info            []byte                `json:"info"`
	Dest            string                `json:"dest"`
	FileMap         *filemap.FileMap      `json:"file_map"`
	Trackers        []string              `json:"trackers"`
	TrackerIndex    int                   `json:"tracker_index"`
	BytesDownloaded int64                 `json:"bytes_downloaded"`
	BytesUploaded   int64                 `json:"bytes_uploaded"`
	BytesWasted     int64                 `json:"bytes_wasted"`
	PieceManager    piecemanager.Snapshot `json:"piece_manager"`
	PausedAt        time.Time             `json:"paused_at"`
}

// Validate checks the fields required to resume a session.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return errors.New("empty name")
	}
	if len(s.InfoHash) != 20 {
		return fmt.Errorf("invalid info hash length: %d", len(s.InfoHash))
	}
	if len(s.Info) == 0 {
		return errors.New("missing info dict")
	}
	return s.PieceManager.Validate()
}

// Progress returns the completed piece ratio in [0, 1].
func (s *Spec) Progress() float64 {
	if s.PieceManager.TotalPieces == 0 {
		return 0
	}
	var n int
	for _, v := range s.PieceManager.LocalBitfield {
		if v {
			n++
		}
	}
	return float64(n) / float64(s.PieceManager.TotalPieces)
}

// Store persists paused session snapshots keyed by session name.
type Store interface {
	Save(spec *Spec) error
	Load(name string) (*Spec, error)
	Delete(name string) error
	List() ([]string, error)
	Close() error
}

// Key returns a file system and database safe key for a session name.
func Key(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	return r.Replace(name)
}
