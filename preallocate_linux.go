//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocateFile grows f to size bytes without writing zeroes through the
// page cache, falling back to a plain truncate when the filesystem doesn't
// support fallocate.
func preallocateFile(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.ENOTSUP || err == unix.EOPNOTSUPP || err == unix.EINTR {
		return f.Truncate(size)
	}
	return err
}
