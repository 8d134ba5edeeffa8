package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

const (
	segmentsDirName = "segments"
	walDirName      = "wal"
	lockFileName    = "LOCK"
)

// Folder owns the on-disk directory layout of a database: segments/<num> for
// page segment files and wal/<gen> for write-ahead log generations. It also
// holds the advisory lock that keeps a second process from opening the same
// database concurrently.
type Folder struct {
	root     string
	pageSize int
	logger   *zap.Logger
	lockFile *os.File
}

// OpenFolder ensures root, root/segments and root/wal exist, creating them if
// this is a brand-new database, and takes an exclusive advisory lock on
// root/LOCK so a second process can't open the same database at the same
// time.
func OpenFolder(root string, pageSize int, logger *zap.Logger) (*Folder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{root, filepath.Join(root, segmentsDirName), filepath.Join(root, walDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	lockFile, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open lock file: %w", err)
	}
	if err := flockNonBlocking(lockFile); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("storage: database %s is already open by another process: %w", root, err)
	}
	return &Folder{root: root, pageSize: pageSize, logger: logger, lockFile: lockFile}, nil
}

// Close releases the database's advisory lock.
func (f *Folder) Close() error {
	if f.lockFile == nil {
		return nil
	}
	return f.lockFile.Close()
}

func (f *Folder) segmentPath(num uint32) string {
	return filepath.Join(f.root, segmentsDirName, strconv.FormatUint(uint64(num), 10))
}

func (f *Folder) walPath(gen uint64) string {
	return filepath.Join(f.root, walDirName, strconv.FormatUint(gen, 10))
}

// OpenOrCreateSegment opens segment num, creating it if it doesn't exist yet.
func (f *Folder) OpenOrCreateSegment(num uint32) (*SegmentFile, error) {
	path := f.segmentPath(num)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CreateSegmentFile(path, f.pageSize, f.logger)
	}
	return OpenSegmentFile(path, f.pageSize, f.logger)
}

// ExistingSegmentNums lists the segment numbers currently present on disk,
// in ascending order.
func (f *Folder) ExistingSegmentNums() ([]uint32, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, segmentsDirName))
	if err != nil {
		return nil, fmt.Errorf("storage: list segments: %w", err)
	}
	nums := make([]uint32, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: segments/%s", ErrUnexpectedFile, e.Name())
		}
		nums = append(nums, uint32(n))
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// OpenOrCreateWALGeneration opens WAL generation gen, creating it if absent.
func (f *Folder) OpenOrCreateWALGeneration(gen uint64) (*WALFile, error) {
	path := f.walPath(gen)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CreateWALFile(path, f.logger)
	}
	return OpenWALFile(path, f.logger)
}

// ExistingWALGenerations lists WAL generation numbers present on disk, in
// ascending order. A non-numeric entry under wal/ is a corruption signal,
// not silently skipped.
func (f *Folder) ExistingWALGenerations() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, walDirName))
	if err != nil {
		return nil, fmt.Errorf("storage: list wal generations: %w", err)
	}
	gens := make([]uint64, 0, len(entries))
	for _, e := range entries {
		g, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: wal/%s", ErrUnexpectedFile, e.Name())
		}
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// RemoveWALGeneration deletes a WAL generation file, e.g. once a checkpoint
// has made it unnecessary for recovery.
func (f *Folder) RemoveWALGeneration(gen uint64) error {
	if err := os.Remove(f.walPath(gen)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove wal generation %d: %w", gen, err)
	}
	return nil
}
