//go:build !linux

package storage

import "os"

// preallocateFile grows f to size bytes. Platforms other than Linux don't
// get a real fallocate call through golang.org/x/sys/unix's stable surface,
// so this falls back to a plain truncate; the file still ends up the right
// length, just without a guarantee the blocks are reserved up front.
func preallocateFile(f *os.File, size int64) error {
	return f.Truncate(size)
}
