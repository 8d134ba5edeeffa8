package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// txStatus tracks a transaction's logging state in the manager.
type txStatus int

const (
	txActive txStatus = iota
	txCommitted
	txUndone
)

type txState struct {
	firstIdx WALIndex // first record this tx wrote, for Checkpoint's "oldest needed generation"
	lastIdx  WALIndex // most recent record, the head of the undo chain
	status   txStatus
}

// WALManager owns the sequence of WAL generations, per-transaction logging
// state, and undo/recovery/checkpoint. It never touches page bodies
// directly: Undo and Recover apply changes through a WriteApplier (the
// page cache), and Recover consults a PersistedIndexChecker (physical
// storage) to know what's already durable on disk.
type WALManager struct {
	mu     sync.Mutex
	folder *Folder
	logger *zap.Logger

	maxGenSize int64
	curGen     uint64
	cur        *WALFile
	generations map[uint64]*WALFile

	txs map[uint64]*txState

	// dirtyPages floors the oldest WAL index that must survive a checkpoint
	// for each page still dirty in the cache; the flush path clears entries
	// here as pages are written back.
	dirtyPages map[PageAddress]WALIndex
}

// NewWALManager opens (or creates, for a brand-new database) the WAL
// generation sequence found under folder.
func NewWALManager(folder *Folder, maxGenSize int64, logger *zap.Logger) (*WALManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gens, err := folder.ExistingWALGenerations()
	if err != nil {
		return nil, err
	}
	m := &WALManager{
		folder:      folder,
		logger:      logger,
		maxGenSize:  maxGenSize,
		generations: make(map[uint64]*WALFile),
		txs:         make(map[uint64]*txState),
		dirtyPages:  make(map[PageAddress]WALIndex),
	}

	if len(gens) == 0 {
		wf, err := folder.OpenOrCreateWALGeneration(0)
		if err != nil {
			return nil, err
		}
		m.curGen, m.cur = 0, wf
		m.generations[0] = wf
		return m, nil
	}

	for _, g := range gens {
		wf, err := folder.OpenOrCreateWALGeneration(g)
		if err != nil {
			return nil, err
		}
		m.generations[g] = wf
	}
	m.curGen = gens[len(gens)-1]
	m.cur = m.generations[m.curGen]
	return m, nil
}

// Begin registers a new transaction under txID. Transaction ids are
// assigned by the caller (PageStore owns the counter); Begin just
// initializes bookkeeping.
func (m *WALManager) Begin(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[txID] = &txState{status: txActive}
}

// rotateIfNeeded starts a new generation if the current one has reached
// maxGenSize. Caller must hold m.mu.
func (m *WALManager) rotateIfNeeded() error {
	if m.cur.EndOffset() < m.maxGenSize {
		return nil
	}
	next := m.curGen + 1
	wf, err := m.folder.OpenOrCreateWALGeneration(next)
	if err != nil {
		return err
	}
	m.generations[next] = wf
	m.curGen = next
	m.cur = wf
	return nil
}

// LogWrite appends a write record for txID and returns its WALIndex.
// Implements the walAppender interface consumed by PageCache.
func (m *WALManager) LogWrite(txID uint64, addr PageAddress, offset uint16, before, after []byte) (WALIndex, error) {
	return m.logWriteRecord(recordKindWrite, txID, addr, offset, before, after)
}

func (m *WALManager) logWriteRecord(kind byte, txID uint64, addr PageAddress, offset uint16, before, after []byte) (WALIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.txs[txID]
	if !ok {
		return WALIndex{}, fmt.Errorf("storage: unknown transaction %d", txID)
	}
	if st.status != txActive {
		return WALIndex{}, ErrTransactionCompleted
	}
	if err := m.rotateIfNeeded(); err != nil {
		return WALIndex{}, err
	}

	body := writeBody{Addr: addr, Offset: offset, Before: before, After: after}
	buf := make([]byte, body.encodedLen())
	encodeWriteBody(buf, body)

	h := recordHeader{Kind: kind, TxID: txID, Seq: 0, Prev: st.lastIdx}
	off, err := m.cur.Append(h, buf)
	if err != nil {
		return WALIndex{}, err
	}
	idx := WALIndex{Generation: m.curGen, Offset: uint64(off)}
	if st.firstIdx.IsZero() {
		st.firstIdx = idx
	}
	st.lastIdx = idx

	if _, tracked := m.dirtyPages[addr]; !tracked {
		m.dirtyPages[addr] = idx
	}
	return idx, nil
}

// LogCommit appends a commit record for txID, ending its active logging.
func (m *WALManager) LogCommit(txID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("storage: unknown transaction %d", txID)
	}
	if st.status != txActive {
		return ErrTransactionCompleted
	}
	if err := m.rotateIfNeeded(); err != nil {
		return err
	}
	h := recordHeader{Kind: recordKindCommit, TxID: txID, Prev: st.lastIdx}
	off, err := m.cur.Append(h, nil)
	if err != nil {
		return err
	}
	st.lastIdx = WALIndex{Generation: m.curGen, Offset: uint64(off)}
	st.status = txCommitted
	return nil
}

// Undo walks txID's chain of write records in reverse (following each
// record's Prev back-link) and applies compensating writes through apply,
// restoring every page the transaction touched to its pre-transaction
// image, then writes a terminator record.
func (m *WALManager) Undo(txID uint64, apply WriteApplier) error {
	m.mu.Lock()
	st, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("storage: unknown transaction %d", txID)
	}
	if st.status != txActive {
		m.mu.Unlock()
		return ErrTransactionCompleted
	}
	cursor := st.lastIdx
	m.mu.Unlock()

	for !cursor.IsZero() {
		wf, err := m.generationFile(cursor.Generation)
		if err != nil {
			return err
		}
		h, body, err := wf.ReadRecordAt(int64(cursor.Offset))
		if err != nil {
			return fmt.Errorf("storage: undo read at %s: %w", cursor, err)
		}
		if h.Kind == recordKindWrite || h.Kind == recordKindUndo {
			wb, err := decodeWriteBody(body)
			if err != nil {
				return err
			}
			restoreIdx, err := m.logWriteRecord(recordKindUndo, txID, wb.Addr, wb.Offset, wb.After, wb.Before)
			if err != nil {
				return err
			}
			if err := apply.ApplyPage(wb.Addr, restoreIdx, wb.Before); err != nil {
				return fmt.Errorf("storage: apply undo for %s: %w", wb.Addr, err)
			}
		}
		cursor = h.Prev
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rotateIfNeeded(); err != nil {
		return err
	}
	term := recordHeader{Kind: recordKindTerminator, TxID: txID, Prev: st.lastIdx}
	if _, err := m.cur.Append(term, nil); err != nil {
		return err
	}
	st.status = txUndone
	return nil
}

func (m *WALManager) generationFile(gen uint64) (*WALFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.generations[gen]
	if !ok {
		return nil, fmt.Errorf("storage: wal generation %d not open", gen)
	}
	return wf, nil
}

// Recover replays every committed transaction's writes forward, in log
// order, against apply, comparing each write's WALIndex to what persisted
// checks reports is already durable for that page so already-applied
// writes are skipped. Uncommitted transactions' writes are left alone; a
// caller wanting a clean start should call Undo for each after Recover.
func (m *WALManager) Recover(apply WriteApplier, persisted PersistedIndexChecker) ([]uint64, error) {
	gens := m.sortedGenerations()

	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	firstIdx := make(map[uint64]WALIndex)
	lastIdx := make(map[uint64]WALIndex)
	for _, g := range gens {
		wf := m.generations[g]
		err := wf.ForwardScan(walHeaderSize, func(offset int64, h recordHeader, body []byte) (bool, error) {
			switch h.Kind {
			case recordKindCommit:
				committed[h.TxID] = true
			case recordKindTerminator:
				aborted[h.TxID] = true
			}
			idx := WALIndex{Generation: g, Offset: uint64(offset)}
			if _, ok := firstIdx[h.TxID]; !ok {
				firstIdx[h.TxID] = idx
			}
			lastIdx[h.TxID] = idx
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	for _, g := range gens {
		wf := m.generations[g]
		err := wf.ForwardScan(walHeaderSize, func(offset int64, h recordHeader, body []byte) (bool, error) {
			if h.Kind != recordKindWrite && h.Kind != recordKindUndo {
				return true, nil
			}
			if !committed[h.TxID] {
				return true, nil
			}
			wb, err := decodeWriteBody(body)
			if err != nil {
				return false, err
			}
			idx := WALIndex{Generation: g, Offset: uint64(offset)}
			cur, err := persisted.PersistedIndex(wb.Addr)
			if err != nil {
				return false, err
			}
			if !cur.Less(idx) {
				return true, nil // already durable at or past this write
			}
			if err := apply.ApplyPage(wb.Addr, idx, wb.After); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Any transaction that appears neither committed nor terminated by an
	// undo chain was in flight at crash time; the caller rolls those back.
	// Re-seed its logging state (status + the WAL-index back-link Undo
	// needs to walk the chain) since this WALManager was just constructed
	// and never saw these transactions' Begin calls.
	var active []uint64
	m.mu.Lock()
	for txID, idx := range lastIdx {
		if committed[txID] || aborted[txID] {
			continue
		}
		m.txs[txID] = &txState{status: txActive, firstIdx: firstIdx[txID], lastIdx: idx}
		active = append(active, txID)
	}
	m.mu.Unlock()
	return active, nil
}

func (m *WALManager) sortedGenerations() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	gens := make([]uint64, 0, len(m.generations))
	for g := range m.generations {
		gens = append(gens, g)
	}
	for i := 1; i < len(gens); i++ {
		for j := i; j > 0 && gens[j-1] > gens[j]; j-- {
			gens[j-1], gens[j] = gens[j], gens[j-1]
		}
	}
	return gens
}

// ClearDirty removes addr's dirty-floor entry once the flush path has
// confirmed it's durable; called by the flush path.
func (m *WALManager) ClearDirty(addr PageAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirtyPages, addr)
}

// OldestNeededGeneration returns the lowest WAL generation number that
// Checkpoint must retain: the minimum generation among all still-dirty
// pages and all still-active transactions' first write.
func (m *WALManager) OldestNeededGeneration() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		min   uint64
		found bool
	)
	consider := func(g uint64) {
		if !found || g < min {
			min, found = g, true
		}
	}
	for _, idx := range m.dirtyPages {
		consider(idx.Generation)
	}
	for _, st := range m.txs {
		if st.status == txActive {
			consider(st.firstIdx.Generation)
		}
	}
	return min, found
}

// Checkpoint deletes WAL generations strictly older than the oldest one
// still needed for recovery, per OldestNeededGeneration.
func (m *WALManager) Checkpoint() error {
	oldest, found := m.OldestNeededGeneration()
	if !found {
		m.mu.Lock()
		oldest = m.curGen
		m.mu.Unlock()
	}
	m.mu.Lock()
	var toRemove []uint64
	for g := range m.generations {
		if g < oldest {
			toRemove = append(toRemove, g)
		}
	}
	m.mu.Unlock()

	for _, g := range toRemove {
		m.mu.Lock()
		wf := m.generations[g]
		delete(m.generations, g)
		m.mu.Unlock()
		if wf != nil {
			wf.Close()
		}
		if err := m.folder.RemoveWALGeneration(g); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open generation file.
func (m *WALManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.generations {
		if err := wf.Close(); err != nil {
			return err
		}
	}
	return nil
}
