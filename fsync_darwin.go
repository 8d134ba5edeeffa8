//go:build darwin

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsyncFile flushes f's data to the physical drive. On macOS, f.Sync() only
// guarantees the drive has been told to write the data; F_FULLFSYNC waits
// for the write to actually land.
func fsyncFile(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}
