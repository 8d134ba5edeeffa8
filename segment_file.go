package storage

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/zap"
)

const (
	// pagesPerSegment includes page 0 (the file header page).
	pagesPerSegment = 1 << 16

	// perPageHeaderSize is the fixed prefix of every page slot carrying the
	// WAL index of the last write persisted to that page: a generation and
	// an offset, each truncated to 32 bits on disk (the in-memory WALIndex
	// stays 64-bit; see DESIGN.md for why the on-disk form is narrower).
	perPageHeaderSize = 8
)

// SegmentFile persists page bodies and their last-applied WAL indices for up
// to 65535 pages. The file is memory-mapped read/write; callers serialise
// access to a given page through the page cache's per-slot latches (see
// PageCache) — SegmentFile itself takes no internal lock.
type SegmentFile struct {
	path     string
	pageSize int
	bodySize int
	f        *os.File
	data     []byte
	logger   *zap.Logger
}

func segmentFileSize(pageSize int) int64 {
	return int64(pagesPerSegment) * int64(pageSize)
}

// CreateSegmentFile creates a new segment file at path. The file must not
// already exist or must be empty.
func CreateSegmentFile(path string, pageSize int, logger *zap.Logger) (*SegmentFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil, fmt.Errorf("storage: segment file %s already exists", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: create segment file: %w", err)
	}
	size := segmentFileSize(pageSize)
	if err := preallocateFile(f, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: preallocate segment file: %w", err)
	}
	data, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: mmap segment file: %w", err)
	}
	writeFileHeader(data, fileTypeSegment, uint16(pageSize), segmentFormatVersion)
	if err := msyncData(data); err != nil {
		munmapData(data)
		f.Close()
		return nil, err
	}
	logger.Info("created segment file", zap.String("path", path), zap.Int("page_size", pageSize))
	return &SegmentFile{
		path: path, pageSize: pageSize, bodySize: pageSize - perPageHeaderSize,
		f: f, data: data, logger: logger,
	}, nil
}

// OpenSegmentFile opens an existing segment file, validating its header.
func OpenSegmentFile(path string, pageSize int, logger *zap.Logger) (*SegmentFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment file: %w", err)
	}
	size := segmentFileSize(pageSize)
	data, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: mmap segment file: %w", err)
	}
	hdr, err := readFileHeader(data, fileTypeSegment, segmentFormatVersion)
	if err != nil {
		munmapData(data)
		f.Close()
		return nil, err
	}
	if int(hdr.ContentOffset) != pageSize {
		munmapData(data)
		f.Close()
		return nil, &CorruptedError{Msg: fmt.Sprintf("segment page size mismatch: header says %d, configured %d", hdr.ContentOffset, pageSize)}
	}
	return &SegmentFile{
		path: path, pageSize: pageSize, bodySize: pageSize - perPageHeaderSize,
		f: f, data: data, logger: logger,
	}, nil
}

func (s *SegmentFile) pageOffset(pageNum uint16) int64 {
	return int64(pageNum) * int64(s.pageSize)
}

// Read copies the per-page WAL index and body for pageNum into idxOut and
// body. pageNum 0 (the header page) is a programming error.
func (s *SegmentFile) Read(pageNum uint16, idxOut *WALIndex, body []byte) {
	if pageNum == 0 {
		panic("storage: page_num 0 is reserved for the segment header")
	}
	off := s.pageOffset(pageNum)
	hdr := s.data[off : off+perPageHeaderSize]
	idxOut.Generation = uint64(binary.NativeEndian.Uint32(hdr[0:4]))
	idxOut.Offset = uint64(binary.NativeEndian.Uint32(hdr[4:8]))
	copy(body, s.data[off+perPageHeaderSize:off+int64(s.pageSize)])
}

// Write stores idx and body for pageNum.
func (s *SegmentFile) Write(pageNum uint16, idx WALIndex, body []byte) {
	if pageNum == 0 {
		panic("storage: page_num 0 is reserved for the segment header")
	}
	off := s.pageOffset(pageNum)
	hdr := s.data[off : off+perPageHeaderSize]
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(idx.Generation))
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(idx.Offset))
	copy(s.data[off+perPageHeaderSize:off+int64(s.pageSize)], body)
}

// SegmentOp is one entry of a Batch call: either a read (IdxOut/Body filled
// in by Batch) or a write (Index/Body supplied by the caller).
type SegmentOp struct {
	PageNum uint16
	IsWrite bool

	// Write fields.
	Index WALIndex
	Body  []byte

	// Read fields.
	IdxOut *WALIndex
}

// Batch executes a mixed sequence of reads/writes against this segment, in
// the given order.
func (s *SegmentFile) Batch(ops []SegmentOp) error {
	for i := range ops {
		if ops[i].IsWrite {
			s.Write(ops[i].PageNum, ops[i].Index, ops[i].Body)
		} else {
			s.Read(ops[i].PageNum, ops[i].IdxOut, ops[i].Body)
		}
	}
	return nil
}

// Sync flushes mapped pages back to the filesystem.
func (s *SegmentFile) Sync() error {
	return msyncData(s.data)
}

// Close unmaps and closes the underlying file.
func (s *SegmentFile) Close() error {
	if err := msyncData(s.data); err != nil {
		s.f.Close()
		return err
	}
	if err := munmapData(s.data); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
