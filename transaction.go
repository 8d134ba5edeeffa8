package storage

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Page is a transaction-scoped view onto one page, returned by
// Transaction.GetPage / GetPageMut.
type Page struct {
	addr   PageAddress
	handle *PageHandle
	tx     *Transaction
}

// Address returns the page's address.
func (p *Page) Address() PageAddress { return p.addr }

// Read returns the n bytes at offset off within the page body.
func (p *Page) Read(off uint16, n int) []byte {
	out := make([]byte, n)
	copy(out, p.handle.Body()[off:int(off)+n])
	return out
}

// Write logs and applies a write of data at offset off. The page must have
// been obtained via GetPageMut.
func (p *Page) Write(off uint16, data []byte) error {
	if _, err := p.handle.Write(p.tx.id, off, data); err != nil {
		return err
	}
	p.tx.store.maybeTriggerFlush()
	return nil
}

// Transaction is a single unit of work against a PageStore: a set of page
// reads/writes that either all survive (Commit) or all disappear (Undo).
// A Transaction abandoned without an explicit Commit or Undo is rolled
// back implicitly by a finalizer, the way the teacher treats an unclosed
// WAL segment — but relying on that is a bug in the caller, logged at
// Error, not a supported pattern; a failed implicit rollback is logged at
// Fatal.
type Transaction struct {
	id    uint64
	store *PageStore

	mu      sync.Mutex
	pages   map[PageAddress]*Page
	done    bool
	undone  bool
	logger  *zap.Logger
}

func newTransaction(id uint64, store *PageStore) *Transaction {
	tx := &Transaction{
		id:     id,
		store:  store,
		pages:  make(map[PageAddress]*Page),
		logger: store.logger,
	}
	runtime.SetFinalizer(tx, finalizeTransaction)
	return tx
}

func finalizeTransaction(tx *Transaction) {
	tx.mu.Lock()
	done := tx.done
	tx.mu.Unlock()
	if done {
		return
	}
	tx.logger.Error("transaction garbage collected without commit or undo; rolling back",
		zap.Uint64("tx_id", tx.id))
	if err := tx.Undo(); err != nil {
		tx.logger.Fatal("implicit rollback of abandoned transaction failed",
			zap.Uint64("tx_id", tx.id), zap.Error(err))
	}
}

// GetPage returns a view of addr for reading. If this transaction already
// holds addr (including exclusively, via GetPageMut), that same page is
// returned so the transaction sees its own writes; otherwise the page is
// taken under a fresh shared latch.
func (tx *Transaction) GetPage(addr PageAddress) (*Page, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTransactionCompleted
	}
	if p, ok := tx.pages[addr]; ok {
		return p, nil
	}
	h, err := tx.store.cache.AcquireShared(addr)
	if err != nil {
		return nil, err
	}
	p := &Page{addr: addr, handle: h, tx: tx}
	tx.pages[addr] = p
	return p, nil
}

// GetPageMut returns an exclusive (writable) view of addr, upgrading a
// previously acquired shared handle if this transaction already holds one.
func (tx *Transaction) GetPageMut(addr PageAddress) (*Page, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTransactionCompleted
	}
	if p, ok := tx.pages[addr]; ok && p.handle.writable {
		return p, nil
	}
	if p, ok := tx.pages[addr]; ok {
		p.handle.Release()
		delete(tx.pages, addr)
	}
	h, err := tx.store.cache.AcquireExclusive(addr)
	if err != nil {
		return nil, err
	}
	p := &Page{addr: addr, handle: h, tx: tx}
	tx.pages[addr] = p
	return p, nil
}

// Commit durably records a commit record for this transaction and releases
// all of its page latches.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionCompleted
	}
	if err := tx.store.wal.LogCommit(tx.id); err != nil {
		return err
	}
	tx.releaseAllLocked()
	tx.done = true
	tx.store.metrics.TransactionsCommitted.Inc()
	runtime.SetFinalizer(tx, nil)
	return nil
}

// Undo rolls back every write this transaction made and releases its
// latches. Safe to call more than once.
func (tx *Transaction) Undo() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()

	if err := tx.store.wal.Undo(tx.id, txApplier{tx: tx}); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.releaseAllLocked()
	tx.done = true
	tx.undone = true
	tx.store.metrics.TransactionsUndone.Inc()
	runtime.SetFinalizer(tx, nil)
	return nil
}

// txApplier applies Undo's compensating images. A page the transaction
// already holds exclusively is stamped through its own handle, since the
// page cache's ApplyPage would wait on that same latch; any other page goes
// through the page cache.
type txApplier struct{ tx *Transaction }

func (a txApplier) ApplyPage(addr PageAddress, idx WALIndex, body []byte) error {
	if p, ok := a.tx.pages[addr]; ok && p.handle.writable {
		copy(p.handle.slot.body, body)
		p.handle.slot.idx = idx
		p.handle.slot.dirty = true
		return nil
	}
	return a.tx.store.cache.ApplyPage(addr, idx, body)
}

func (tx *Transaction) releaseAllLocked() {
	for addr, p := range tx.pages {
		p.handle.Release()
		delete(tx.pages, addr)
	}
}
