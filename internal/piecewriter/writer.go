// Package piecewriter writes downloaded blocks to disk and reads blocks requested by peers.
package piecewriter

import (
	"fmt"
	"sync"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/storage"
)

// Writer resolves blocks to file regions and performs the I/O.
// Files are opened on first use unless they are given with SetFiles.
type Writer struct {
	fileMap *filemap.FileMap
	storage storage.Storage
	log     logger.Logger

	m     sync.Mutex
	files []storage.File
}

// NewWriter returns a Writer for the files in fm.
func NewWriter(fm *filemap.FileMap, sto storage.Storage, l logger.Logger) *Writer {
	return &Writer{
		fileMap: fm,
		storage: sto,
		log:     l,
		files:   make([]storage.File, len(fm.Files)),
	}
}

// SetFiles sets already opened files, e.g. from the allocator.
func (w *Writer) SetFiles(files []storage.File) {
	w.m.Lock()
	copy(w.files, files)
	w.m.Unlock()
}

func (w *Writer) file(i int) (storage.File, error) {
	w.m.Lock()
	defer w.m.Unlock()
	if f := w.files[i]; f != nil {
		return f, nil
	}
	fi := w.fileMap.Files[i]
	f, _, err := w.storage.Open(fi.Path, fi.Length)
	if err != nil {
		return nil, err
	}
	w.files[i] = f
	return f, nil
}

// WriteBlock writes the data of b to every file region it covers.
func (w *Writer) WriteBlock(b piece.Block) error {
	if len(b.Data) == 0 || allZero(b.Data) {
		w.log.Warningf("writing empty block: piece=%d begin=%d length=%d", b.PieceIndex, b.Begin, len(b.Data))
	}
	if uint32(len(b.Data)) != b.Length {
		return fmt.Errorf("block data length %d does not match block length %d", len(b.Data), b.Length)
	}
	regions, err := w.fileMap.BlockRegions(b.PieceIndex, b.Begin, b.Length)
	if err != nil {
		return err
	}
	for _, r := range regions {
		f, err := w.file(r.FileIndex)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(b.Data[r.DataOffset:r.DataOffset+r.Length], r.FileOffset)
		if err != nil {
			return fmt.Errorf("write %s: %w", r.Path, err)
		}
	}
	return nil
}

// ReadBlock reads a block of a piece from disk.
func (w *Writer) ReadBlock(index, begin, length uint32) ([]byte, error) {
	regions, err := w.fileMap.BlockRegions(index, begin, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	for _, r := range regions {
		f, err := w.file(r.FileIndex)
		if err != nil {
			return nil, err
		}
		_, err = f.ReadAt(buf[r.DataOffset:r.DataOffset+r.Length], r.FileOffset)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.Path, err)
		}
	}
	return buf, nil
}

// Sync flushes written data of open files to disk.
func (w *Writer) Sync() error {
	w.m.Lock()
	defer w.m.Unlock()
	var firstErr error
	for _, f := range w.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close open files.
func (w *Writer) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	var firstErr error
	for i, f := range w.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.files[i] = nil
	}
	return firstErr
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
