//go:build linux

package storage

import "os"

// fsyncFile flushes f's data and metadata to the underlying device.
func fsyncFile(f *os.File) error {
	return f.Sync()
}
