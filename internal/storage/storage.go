// Package storage abstracts the place where the files of a torrent are kept.
// The allocator opens files through it and the piece writer reads and writes blocks at file offsets.
package storage

import "io"

// Storage creates and opens the files of a torrent under a root.
type Storage interface {
	// Open returns the file at the relative path name, creating missing parent directories.
	// A new file is grown to size. exists is true if the file was already there.
	Open(name string, size int64) (f File, exists bool, err error)
	// Root is the directory the relative paths are resolved against.
	Root() string
}

// File is a torrent file open for random access by block.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Sync commits written blocks to stable storage.
	Sync() error
}
