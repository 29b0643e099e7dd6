//go:build !linux

package filestorage

import "os"

func allocate(f *os.File, _, size int64) error {
	return f.Truncate(size)
}

func disableReadAhead(*os.File) error {
	return nil
}
