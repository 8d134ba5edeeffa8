//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the full size bytes of f read/write, shared with the
// filesystem page cache.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmapData(data []byte) error {
	return unix.Munmap(data)
}

// msyncData flushes mapped pages back to the filesystem synchronously.
func msyncData(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// errLocked is returned by flockNonBlocking when the file is already locked
// by another open file description.
var errLocked = errAlreadyLocked{}

type errAlreadyLocked struct{}

func (errAlreadyLocked) Error() string { return "storage: file already locked" }

// flockNonBlocking takes an exclusive advisory lock on f without blocking.
func flockNonBlocking(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errLocked
	}
	return err
}
