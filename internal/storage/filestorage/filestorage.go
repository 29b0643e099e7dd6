// Package filestorage implements Storage interface that uses files on disk as storage.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/cenkalti/drizzle/internal/storage"
)

const (
	dirMode  = 0750
	fileMode = 0640
)

// FileStorage keeps torrent files under a root directory.
type FileStorage struct {
	dest string
}

var _ storage.Storage = (*FileStorage)(nil)

// New returns a FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// Root returns the absolute storage directory.
func (s *FileStorage) Root() string {
	return s.dest
}

// Open the file at name, growing it to size if it is smaller. Larger files are not truncated.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	path := filepath.Join(s.dest, filepath.Clean(name))
	if err = os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return
	}
	of, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode) // nolint: gosec
	if os.IsExist(err) {
		exists = true
		of, err = os.OpenFile(path, os.O_RDWR, fileMode) // nolint: gosec
	}
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = of.Close()
		}
	}()
	fi, err := of.Stat()
	if err != nil {
		return
	}
	if fi.Size() < size {
		if err = allocate(of, fi.Size(), size); err != nil {
			return
		}
	}
	if err = disableReadAhead(of); err != nil {
		return
	}
	return of, exists, nil
}
