package piecewriter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/storage/filestorage"
	"github.com/fortytw2/leaktest"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Start the meter ticker before leak checks take their snapshot.
func TestMain(m *testing.M) {
	metrics.NewMeter().Stop()
	os.Exit(m.Run())
}

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	sto, err := filestorage.New(dir)
	require.NoError(t, err)
	fm := filemap.New(120, []filemap.File{{Path: "a", Length: 100}, {Path: filepath.Join("sub", "b"), Length: 50}})
	return NewWriter(fm, sto, logger.New("test")), dir
}

func TestWriteBlockAcrossFiles(t *testing.T) {
	w, dir := newTestWriter(t)
	defer w.Close()

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, w.WriteBlock(piece.Block{PieceIndex: 0, Begin: 90, Length: 20, Data: data}))
	require.NoError(t, w.Sync())

	a, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Len(t, a, 100)
	assert.Equal(t, data[:10], a[90:])

	b, err := os.ReadFile(filepath.Join(dir, "sub", "b"))
	require.NoError(t, err)
	assert.Len(t, b, 50)
	assert.Equal(t, data[10:], b[:10])

	got, err := w.ReadBlock(0, 90, 20)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteBlockRejectsBadBlock(t *testing.T) {
	w, _ := newTestWriter(t)
	defer w.Close()
	assert.Error(t, w.WriteBlock(piece.Block{PieceIndex: 1, Begin: 20, Length: 20, Data: make([]byte, 20)}))
	assert.Error(t, w.WriteBlock(piece.Block{PieceIndex: 0, Begin: 0, Length: 20, Data: make([]byte, 10)}))
}

func TestServiceFlushOnStop(t *testing.T) {
	defer leaktest.Check(t)()
	w, dir := newTestWriter(t)
	defer w.Close()
	s := NewService(w, nil, metrics.NewRegistry(), logger.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Write(piece.Block{PieceIndex: 1, Begin: 0, Length: 30, Data: []byte("abcdefghijklmnopqrstuvwxyz0123")})
	s.Read(ReadRequest{Index: 0, Begin: 0, Length: 10})
	n := s.Run(ctx, func() bool { return true })
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Pending())

	b, err := os.ReadFile(filepath.Join(dir, "sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz0123", string(b[20:50]))
}

func TestServiceNoFlush(t *testing.T) {
	w, _ := newTestWriter(t)
	defer w.Close()
	s := NewService(w, nil, metrics.NewRegistry(), logger.New("test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Write(piece.Block{PieceIndex: 1, Begin: 0, Length: 30, Data: make([]byte, 30)})
	assert.Equal(t, 0, s.Run(ctx, func() bool { return false }))
}

func TestServiceReadAfterWrite(t *testing.T) {
	defer leaktest.Check(t)()
	w, _ := newTestWriter(t)
	defer w.Close()

	var (
		m   sync.Mutex
		got []byte
	)
	readC := make(chan struct{})
	s := NewService(w, func(req ReadRequest, data []byte) {
		m.Lock()
		got = data
		m.Unlock()
		assert.Equal(t, "peer", req.Peer)
		close(readC)
	}, metrics.NewRegistry(), logger.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	doneC := make(chan struct{})
	go func() {
		s.Run(ctx, func() bool { return false })
		close(doneC)
	}()

	s.Write(piece.Block{PieceIndex: 0, Begin: 0, Length: 5, Data: []byte("hello")})
	s.Read(ReadRequest{Peer: "peer", Index: 0, Begin: 0, Length: 5})
	select {
	case <-readC:
	case <-time.After(5 * time.Second):
		t.Fatal("read not served")
	}
	cancel()
	<-doneC
	m.Lock()
	assert.Equal(t, "hello", string(got))
	m.Unlock()
}
