// Package allocator opens and sizes the files of a torrent before download starts.
package allocator

import (
	"context"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/cenkalti/drizzle/internal/storage"
)

// Result of an allocation.
type Result struct {
	Files       []storage.File
	HasExisting bool
	HasMissing  bool
}

// Progress about the allocation.
type Progress struct {
	AllocatedSize int64
	TotalSize     int64
}

// Allocate opens every file in the map, creating missing ones with their full size.
// On error, files opened so far are closed.
func Allocate(ctx context.Context, files []filemap.File, sto storage.Storage, progress func(Progress)) (res Result, err error) {
	res.Files = make([]storage.File, len(files))
	defer func() {
		if err != nil {
			for _, f := range res.Files {
				if f != nil {
					_ = f.Close()
				}
			}
			res = Result{}
		}
	}()

	var total, allocated int64
	for _, f := range files {
		total += f.Length
	}
	for i, f := range files {
		if err = ctx.Err(); err != nil {
			return
		}
		var sf storage.File
		var exists bool
		sf, exists, err = sto.Open(f.Path, f.Length)
		if err != nil {
			return
		}
		res.Files[i] = sf
		if exists {
			res.HasExisting = true
		} else {
			res.HasMissing = true
		}
		allocated += f.Length
		if progress != nil {
			progress(Progress{AllocatedSize: allocated, TotalSize: total})
		}
	}
	return
}
