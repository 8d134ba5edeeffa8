package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PersistedIndexChecker is implemented by PhysicalStorage. WAL recovery
// uses it to find the WAL index actually persisted for a page on disk,
// which may differ from whatever a (long gone) in-memory cache last held.
type PersistedIndexChecker interface {
	PersistedIndex(addr PageAddress) (WALIndex, error)
}

// PhysicalStorage routes page reads/writes to the right SegmentFile,
// opening segments on demand and capping how many stay mapped open at once
// via a CARPolicy[uint32] descriptor cache (an "transiently exceed the cap"
// policy — see DESIGN.md's Open Question resolution).
type PhysicalStorage struct {
	mu       sync.Mutex
	folder   *Folder
	pageSize int
	bodySize int

	maxOpen int
	policy  *CARPolicy[uint32]
	open    map[uint32]*SegmentFile
	pinned  map[uint32]int // refcount of in-flight operations per segment

	logger *zap.Logger
}

// NewPhysicalStorage constructs a PhysicalStorage capping concurrently
// mapped segment files at maxOpenSegments.
func NewPhysicalStorage(folder *Folder, pageSize, maxOpenSegments int, logger *zap.Logger) *PhysicalStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps := &PhysicalStorage{
		folder:   folder,
		pageSize: pageSize,
		bodySize: pageSize - perPageHeaderSize,
		maxOpen:  maxOpenSegments,
		open:     make(map[uint32]*SegmentFile),
		pinned:   make(map[uint32]int),
		logger:   logger,
	}
	ps.policy = NewCARPolicy[uint32](maxOpenSegments, ps.isSegmentPinned)
	return ps
}

func (ps *PhysicalStorage) isSegmentPinned(num uint32) bool {
	return ps.pinned[num] > 0
}

// acquireSegment returns an open SegmentFile for num, pinning it so it
// cannot be evicted from the descriptor cache until releaseSegment is
// called. Per the Open Question resolution, if every resident segment is
// pinned, acquireSegment transiently exceeds maxOpen rather than blocking.
func (ps *PhysicalStorage) acquireSegment(num uint32) (*SegmentFile, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if sf, ok := ps.open[num]; ok {
		ps.policy.Access(num)
		ps.pinned[num]++
		return sf, nil
	}

	for len(ps.open) >= ps.maxOpen {
		victim, ok := ps.policy.Evict()
		if !ok {
			// No victim was found (all pinned): proceed anyway and
			// transiently exceed maxOpen — see DESIGN.md.
			break
		}
		if vsf, ok := ps.open[victim]; ok {
			vsf.Close()
			delete(ps.open, victim)
		}
	}

	sf, err := ps.folder.OpenOrCreateSegment(num)
	if err != nil {
		return nil, err
	}
	ps.open[num] = sf
	ps.policy.Insert(num)
	ps.pinned[num]++
	return sf, nil
}

func (ps *PhysicalStorage) releaseSegment(num uint32) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.pinned[num] > 0 {
		ps.pinned[num]--
	}
}

// ReadPage reads one page's WAL index and body.
func (ps *PhysicalStorage) ReadPage(addr PageAddress, idxOut *WALIndex, body []byte) error {
	sf, err := ps.acquireSegment(addr.SegmentNum)
	if err != nil {
		return err
	}
	defer ps.releaseSegment(addr.SegmentNum)
	sf.Read(addr.PageNum, idxOut, body)
	return nil
}

// WritePage writes one page's WAL index and body.
func (ps *PhysicalStorage) WritePage(addr PageAddress, idx WALIndex, body []byte) error {
	sf, err := ps.acquireSegment(addr.SegmentNum)
	if err != nil {
		return err
	}
	defer ps.releaseSegment(addr.SegmentNum)
	sf.Write(addr.PageNum, idx, body)
	return nil
}

// PersistedIndex implements PersistedIndexChecker.
func (ps *PhysicalStorage) PersistedIndex(addr PageAddress) (WALIndex, error) {
	var idx WALIndex
	body := make([]byte, ps.bodySize)
	if err := ps.ReadPage(addr, &idx, body); err != nil {
		return WALIndex{}, err
	}
	return idx, nil
}

// BatchWrite writes a set of pages, regrouping them by segment number so
// each segment is touched by at most one goroutine while different
// segments proceed concurrently; within a segment, writes execute in the
// order supplied for that segment. Concurrency is bounded by
// golang.org/x/sync/errgroup at maxOpen segments at a time, mirroring the
// fan-out pattern the rest of the corpus uses for bounded parallel I/O.
func (ps *PhysicalStorage) BatchWrite(ctx context.Context, writes []struct {
	Addr PageAddress
	Idx  WALIndex
	Body []byte
}) error {
	bySegment := make(map[uint32][]SegmentOp)
	order := make([]uint32, 0)
	for _, w := range writes {
		if _, ok := bySegment[w.Addr.SegmentNum]; !ok {
			order = append(order, w.Addr.SegmentNum)
		}
		bySegment[w.Addr.SegmentNum] = append(bySegment[w.Addr.SegmentNum], SegmentOp{
			PageNum: w.Addr.PageNum, IsWrite: true, Index: w.Idx, Body: w.Body,
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(ps.maxOpen)
	for _, segNum := range order {
		segNum := segNum
		ops := bySegment[segNum]
		g.Go(func() error {
			sf, err := ps.acquireSegment(segNum)
			if err != nil {
				return fmt.Errorf("storage: batch write segment %d: %w", segNum, err)
			}
			defer ps.releaseSegment(segNum)
			return sf.Batch(ops)
		})
	}
	return g.Wait()
}

// Sync flushes all currently open segment files.
func (ps *PhysicalStorage) Sync() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for num, sf := range ps.open {
		if err := sf.Sync(); err != nil {
			return fmt.Errorf("storage: sync segment %d: %w", num, err)
		}
	}
	return nil
}

// Close closes all open segment files.
func (ps *PhysicalStorage) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for num, sf := range ps.open {
		if err := sf.Close(); err != nil {
			return fmt.Errorf("storage: close segment %d: %w", num, err)
		}
		delete(ps.open, num)
	}
	return nil
}
