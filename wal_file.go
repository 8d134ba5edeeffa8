package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const walHeaderSize = headerSize // 16-byte common file header, content starts right after

// WALFile is a single WAL generation: an append-only sequence of framed
// records following the common 16-byte file header. Writers append under
// mu and fsync per append for durability; readers (recovery, undo) use
// ReadRecordAt/ForwardScan independently of the write path.
type WALFile struct {
	path string
	f    *os.File

	mu          sync.Mutex
	writeOffset int64

	logger *zap.Logger
}

// CreateWALFile creates a brand-new, empty WAL generation file.
func CreateWALFile(path string, logger *zap.Logger) (*WALFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: create wal file: %w", err)
	}
	hdr := make([]byte, walHeaderSize)
	writeFileHeader(hdr, fileTypeWAL, uint16(walHeaderSize), walFormatVersion)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: write wal header: %w", err)
	}
	if err := fsyncFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &WALFile{path: path, f: f, writeOffset: walHeaderSize, logger: logger}, nil
}

// OpenWALFile opens an existing WAL generation, validating its header and
// scanning forward to find the true end of well-formed records. Any
// trailing bytes after the first corrupt or partial record are discarded
// from the logical end of the file (the conservative truncation policy —
// see DESIGN.md); this does not rewrite the file, only where Append will
// resume and where ForwardScan/recovery stop.
func OpenWALFile(path string, logger *zap.Logger) (*WALFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal file: %w", err)
	}
	hdr := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read wal header: %w", err)
	}
	if _, err := readFileHeader(hdr, fileTypeWAL, walFormatVersion); err != nil {
		f.Close()
		return nil, err
	}

	wf := &WALFile{path: path, f: f, writeOffset: walHeaderSize, logger: logger}
	end, err := wf.scanToEnd()
	if err != nil {
		f.Close()
		return nil, err
	}
	wf.writeOffset = end
	return wf, nil
}

// scanToEnd walks records from just past the header, returning the offset
// just past the last well-formed record found.
func (wf *WALFile) scanToEnd() (int64, error) {
	off := int64(walHeaderSize)
	for {
		_, _, next, err := wf.readRecordAtRaw(off)
		if err == io.EOF {
			return off, nil
		}
		if err != nil {
			wf.logger.Warn("wal: truncating at corrupt/partial record",
				zap.String("path", wf.path), zap.Int64("offset", off), zap.Error(err))
			return off, nil
		}
		off = next
	}
}

// Append writes header+body+trailer for one record, fsyncs, and returns the
// record's start offset within this generation; the caller pairs it with
// the generation number to form a WALIndex.
func (wf *WALFile) Append(h recordHeader, body []byte) (offset int64, err error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	h.ItemLength = uint32(len(body))
	total := recordHeaderSize + len(body) + recordTrailerSize
	buf := make([]byte, total)
	encodeRecordHeader(buf[:recordHeaderSize], h)
	copy(buf[recordHeaderSize:recordHeaderSize+len(body)], body)
	encodeTrailer(buf[recordHeaderSize+len(body):], h.ItemLength)

	start := wf.writeOffset
	if _, err := wf.f.WriteAt(buf, start); err != nil {
		return 0, fmt.Errorf("storage: append wal record: %w", err)
	}
	if err := fsyncFile(wf.f); err != nil {
		return 0, err
	}
	wf.writeOffset = start + int64(total)
	return start, nil
}

// ReadRecordAt reads the complete record starting at offset.
func (wf *WALFile) ReadRecordAt(offset int64) (recordHeader, []byte, error) {
	h, body, _, err := wf.readRecordAtRaw(offset)
	return h, body, err
}

func (wf *WALFile) readRecordAtRaw(offset int64) (recordHeader, []byte, int64, error) {
	hdrBuf := make([]byte, recordHeaderSize)
	n, err := wf.f.ReadAt(hdrBuf, offset)
	if err == io.EOF && n == 0 {
		return recordHeader{}, nil, 0, io.EOF
	}
	if err != nil && err != io.EOF {
		return recordHeader{}, nil, 0, fmt.Errorf("storage: read wal record header: %w", err)
	}
	if n < recordHeaderSize {
		return recordHeader{}, nil, 0, &UnexpectedEOFError{Offset: uint64(offset)}
	}
	h := decodeRecordHeader(hdrBuf)

	bodyAndTrailer := make([]byte, int(h.ItemLength)+recordTrailerSize)
	n, err = wf.f.ReadAt(bodyAndTrailer, offset+recordHeaderSize)
	if err != nil && err != io.EOF {
		return recordHeader{}, nil, 0, fmt.Errorf("storage: read wal record body: %w", err)
	}
	if n < len(bodyAndTrailer) {
		return recordHeader{}, nil, 0, &UnexpectedEOFError{Offset: uint64(offset)}
	}
	body := bodyAndTrailer[:h.ItemLength]
	trailerLen := decodeTrailer(bodyAndTrailer[h.ItemLength:])
	if trailerLen != h.ItemLength {
		return recordHeader{}, nil, 0, &CorruptedError{Msg: "wal record trailer length mismatch"}
	}

	if h.Kind == recordKindWrite || h.Kind == recordKindUndo {
		if _, err := decodeWriteBody(body); err != nil {
			return recordHeader{}, nil, 0, err
		}
	}

	next := offset + recordHeaderSize + int64(h.ItemLength) + recordTrailerSize
	return h, body, next, nil
}

// ForwardScan calls fn for every well-formed record starting at fromOffset,
// in order, until fn returns an error, false, or the end of the generation
// is reached. It stops (without error) at the first corrupt/partial record.
func (wf *WALFile) ForwardScan(fromOffset int64, fn func(offset int64, h recordHeader, body []byte) (cont bool, err error)) error {
	off := fromOffset
	for {
		h, body, next, err := wf.readRecordAtRaw(off)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return nil
		}
		cont, err := fn(off, h, body)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		off = next
	}
}

// EndOffset returns the offset just past the last well-formed record.
func (wf *WALFile) EndOffset() int64 {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.writeOffset
}

// Close closes the underlying file.
func (wf *WALFile) Close() error {
	return wf.f.Close()
}
