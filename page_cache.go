package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WriteApplier is implemented by PageCache. The WAL manager calls into it
// during undo and crash recovery to stamp a page's body and WAL index
// directly, bypassing the normal transactional write path.
type WriteApplier interface {
	ApplyPage(addr PageAddress, idx WALIndex, body []byte) error
}

// pageSlot is one resident buffer-pool frame.
type pageSlot struct {
	mu    sync.RWMutex
	addr  PageAddress
	idx   WALIndex
	dirty bool
	body  []byte
}

// PageCache is the in-memory buffer pool: a fixed set of page-sized slots,
// admission and eviction governed by CARPolicy[PageAddress], with a
// per-slot sync.RWMutex serving as that page's latch.
//
// Go's sync.RWMutex has no atomic upgrade/downgrade primitive; Downgrade is
// therefore a best-effort Unlock-then-RLock, not a truly atomic transition
// (see DESIGN.md).
type PageCache struct {
	mu       sync.Mutex // guards policy + slots + byAddr bookkeeping
	pageSize int
	bodySize int
	slotCount int

	policy *CARPolicy[PageAddress]
	slots  []*pageSlot
	byAddr map[PageAddress]*pageSlot
	free   []int // indices into slots that are unused (nil addr)

	storage *PhysicalStorage
	wal     walAppender
	logger  *zap.Logger
}

// walAppender is the subset of WALManager that the page cache needs to log
// writes without importing a concrete type cycle.
type walAppender interface {
	LogWrite(txID uint64, addr PageAddress, offset uint16, before, after []byte) (WALIndex, error)
}

// NewPageCache constructs a PageCache with capacity for slotCount pages.
func NewPageCache(slotCount, pageSize int, storage *PhysicalStorage, wal walAppender, logger *zap.Logger) *PageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc := &PageCache{
		pageSize:  pageSize,
		bodySize:  pageSize - perPageHeaderSize,
		slotCount: slotCount,
		slots:     make([]*pageSlot, slotCount),
		byAddr:    make(map[PageAddress]*pageSlot, slotCount),
		storage:   storage,
		wal:       wal,
		logger:    logger,
	}
	for i := range pc.slots {
		pc.free = append(pc.free, i)
	}
	pc.policy = NewCARPolicy[PageAddress](slotCount, pc.isAddrLocked)
	return pc
}

// isAddrLocked reports whether addr's slot is currently latched by anyone.
// Called while pc.mu is held.
func (pc *PageCache) isAddrLocked(addr PageAddress) bool {
	slot, ok := pc.byAddr[addr]
	if !ok {
		return false
	}
	if !slot.mu.TryLock() {
		return true
	}
	slot.mu.Unlock()
	return false
}

// fault loads addr into a slot, evicting if necessary. pc.mu must be held.
// Returns the slot with no latch held.
func (pc *PageCache) fault(addr PageAddress) (*pageSlot, error) {
	if slot, ok := pc.byAddr[addr]; ok {
		pc.policy.Access(addr)
		return slot, nil
	}

	var idx int
	if len(pc.free) > 0 {
		idx = pc.free[len(pc.free)-1]
		pc.free = pc.free[:len(pc.free)-1]
	} else {
		victim, ok := pc.policy.Evict()
		if !ok {
			return nil, fmt.Errorf("storage: page cache full, no evictable slot")
		}
		vs := pc.byAddr[victim]
		if err := pc.writeBackLocked(vs); err != nil {
			return nil, err
		}
		delete(pc.byAddr, victim)
		idx = pc.slotIndex(vs)
	}

	body := make([]byte, pc.bodySize)
	var idxVal WALIndex
	if err := pc.storage.ReadPage(addr, &idxVal, body); err != nil {
		pc.free = append(pc.free, idx)
		return nil, err
	}
	slot := &pageSlot{addr: addr, idx: idxVal, body: body}
	pc.slots[idx] = slot
	pc.byAddr[addr] = slot
	pc.policy.Insert(addr)
	return slot, nil
}

func (pc *PageCache) slotIndex(s *pageSlot) int {
	for i, sl := range pc.slots {
		if sl == s {
			return i
		}
	}
	panic("storage: slot not found in cache")
}

// writeBackLocked persists a dirty slot before it's evicted. pc.mu held.
func (pc *PageCache) writeBackLocked(slot *pageSlot) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.dirty {
		return nil
	}
	if err := pc.storage.WritePage(slot.addr, slot.idx, slot.body); err != nil {
		return fmt.Errorf("storage: writeback %s: %w", slot.addr, err)
	}
	slot.dirty = false
	return nil
}

// PageHandle is a latched view onto a resident page, returned by Acquire.
// Exactly one of the shared/exclusive latch is held, matching how it was
// requested.
type PageHandle struct {
	pc       *PageCache
	slot     *pageSlot
	writable bool
}

// AcquireShared latches addr for reading, faulting it in if necessary.
func (pc *PageCache) AcquireShared(addr PageAddress) (*PageHandle, error) {
	pc.mu.Lock()
	slot, err := pc.fault(addr)
	pc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slot.mu.RLock()
	return &PageHandle{pc: pc, slot: slot, writable: false}, nil
}

// AcquireExclusive latches addr for writing, faulting it in if necessary.
func (pc *PageCache) AcquireExclusive(addr PageAddress) (*PageHandle, error) {
	pc.mu.Lock()
	slot, err := pc.fault(addr)
	pc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	return &PageHandle{pc: pc, slot: slot, writable: true}, nil
}

// Body returns the page's body bytes. The returned slice aliases the
// cache's internal buffer and must not be retained past Release.
func (h *PageHandle) Body() []byte {
	return h.slot.body
}

// WALIndex returns the WAL index of the last write applied to this page.
func (h *PageHandle) WALIndex() WALIndex {
	return h.slot.idx
}

// Write applies a before/after logged write at byte offset off within the
// page body, returning the index the write was logged at. The handle must
// have been acquired exclusively.
func (h *PageHandle) Write(txID uint64, off uint16, after []byte) (WALIndex, error) {
	if !h.writable {
		return WALIndex{}, ErrNotWritable
	}
	if int(off)+len(after) > len(h.slot.body) {
		return WALIndex{}, ErrWriteOutOfRange
	}
	before := make([]byte, len(after))
	copy(before, h.slot.body[off:int(off)+len(after)])

	idx, err := h.pc.wal.LogWrite(txID, h.slot.addr, off, before, after)
	if err != nil {
		return WALIndex{}, err
	}
	copy(h.slot.body[off:int(off)+len(after)], after)
	h.slot.idx = idx
	h.slot.dirty = true
	return idx, nil
}

// Downgrade converts an exclusive handle into a shared one. Go's RWMutex
// provides no atomic downgrade, so this releases the exclusive latch and
// reacquires a shared one; another writer may intervene between the two.
func (h *PageHandle) Downgrade() {
	if !h.writable {
		return
	}
	h.slot.mu.Unlock()
	h.slot.mu.RLock()
	h.writable = false
}

// Release unlatches the page.
func (h *PageHandle) Release() {
	if h.writable {
		h.slot.mu.Unlock()
	} else {
		h.slot.mu.RUnlock()
	}
}

// ApplyPage implements WriteApplier: it stamps body and idx directly into
// the cached slot for addr if resident, bypassing transactional logging.
// Used by WAL undo/recovery.
func (pc *PageCache) ApplyPage(addr PageAddress, idx WALIndex, body []byte) error {
	pc.mu.Lock()
	slot, ok := pc.byAddr[addr]
	pc.mu.Unlock()
	if !ok {
		return pc.storage.WritePage(addr, idx, body)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	copy(slot.body, body)
	slot.idx = idx
	slot.dirty = true
	return nil
}

// DirtyAddresses returns a snapshot of all currently dirty page addresses
// along with the WAL index each was dirtied at, for use by the flush path.
func (pc *PageCache) DirtyAddresses() map[PageAddress]WALIndex {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make(map[PageAddress]WALIndex)
	for addr, slot := range pc.byAddr {
		slot.mu.RLock()
		if slot.dirty {
			out[addr] = slot.idx
		}
		slot.mu.RUnlock()
	}
	return out
}

// FlushOne writes back addr if it is still dirty at exactly snapshotIdx,
// clearing its dirty flag on success. If the page was written again since
// the snapshot was taken, it is left dirty for a subsequent flush round.
func (pc *PageCache) FlushOne(addr PageAddress, snapshotIdx WALIndex, body []byte) (flushed bool, err error) {
	if err := pc.storage.WritePage(addr, snapshotIdx, body); err != nil {
		return false, err
	}
	return pc.ClearIfUnchanged(addr, snapshotIdx), nil
}

// ClearIfUnchanged clears addr's dirty flag if it is still dirty at exactly
// snapshotIdx, i.e. no write raced with a physical write already issued for
// that snapshot. Used after a batched flush, where the write itself goes
// through PhysicalStorage.BatchWrite rather than FlushOne.
func (pc *PageCache) ClearIfUnchanged(addr PageAddress, snapshotIdx WALIndex) bool {
	pc.mu.Lock()
	slot, ok := pc.byAddr[addr]
	pc.mu.Unlock()
	if !ok {
		return true
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.idx == snapshotIdx {
		slot.dirty = false
		return true
	}
	return false
}

// Snapshot copies out a dirty page's current body and index under a shared
// latch, for the flush path's "snapshot under shared latch" step.
func (pc *PageCache) Snapshot(addr PageAddress) (idx WALIndex, body []byte, ok bool) {
	pc.mu.Lock()
	slot, resident := pc.byAddr[addr]
	pc.mu.Unlock()
	if !resident {
		return WALIndex{}, nil, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	body = make([]byte, len(slot.body))
	copy(body, slot.body)
	return slot.idx, body, true
}
