// Package storage implements the core of an embedded, transactional,
// page-oriented database engine.
//
// Pages are fixed-size bodies persisted across rolling segment files of
// 65536 pages each, 2 GiB at the default 32 KiB page size (see SegmentFile
// and Folder). A bounded in-memory page cache buffers
// resident pages behind per-page reader/writer latches and evicts under a
// CAR (Clock with Adaptive Replacement) admission policy (see PageCache and
// CARPolicy). A write-ahead log (see WALManager and WALFile) records
// before/after images for every page write so that a Transaction can be
// rolled back with Undo, and so that Recover can replay committed-but-
// unpersisted writes after a crash.
//
// The four subsystems are tied together by PageStore, the facade consumed
// by higher layers (document models, B-trees, freelist allocators — all
// external to this package). A typical session:
//
//	store, err := storage.Open(root, storage.DefaultConfig(), logger)
//	...
//	if err := store.Recover(); err != nil { ... }
//	tx, err := store.Transaction()
//	page, err := tx.GetPageMut(addr)
//	err = page.Write(25, []byte{1, 2, 3, 4})
//	err = tx.Commit()
//
// Durability comes from the WAL: a write is durable the moment LogWrite
// returns, well before the page cache ever flushes the body back to its
// segment file. FlushSync drives that background write-back to completion
// synchronously; ordinary operation lets it happen on its own schedule.
package storage
