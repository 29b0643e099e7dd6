package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/piecemanager"
	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumer(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "resume.db"), []byte("sessions"))
	require.NoError(t, err)
	defer r.Close()

	spec := &resumer.Spec{
		Name:            "some/name",
		InfoHash:        make([]byte, 20),
		Info:            []byte("d4:name3:fooe"),
		Dest:            "/downloads",
		FileMap:         filemap.New(16, []filemap.File{{Path: "foo", Length: 40}}),
		Trackers:        []string{"http://t1/announce"},
		TrackerIndex:    0,
		BytesDownloaded: 100,
		BytesUploaded:   50,
		BytesWasted:     16,
		PieceManager: piecemanager.Snapshot{
			TotalPieces:   3,
			LocalBitfield: []bool{false, true, true},
		},
		PausedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
	require.NoError(t, r.Save(spec))
	// second save replaces the first one
	spec.BytesDownloaded = 120
	require.NoError(t, r.Save(spec))

	loaded, err := r.Load("some/name")
	require.NoError(t, err)
	assert.Equal(t, spec, loaded)

	names, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"some_name"}, names)

	require.NoError(t, r.Delete("some/name"))
	_, err = r.Load("some/name")
	assert.ErrorIs(t, err, resumer.ErrNotFound)
	assert.ErrorIs(t, r.Delete("some/name"), resumer.ErrNotFound)
}
