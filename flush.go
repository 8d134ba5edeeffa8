package storage

import (
	"context"

	"go.uber.org/zap"
)

// flushRound writes back every currently dirty page whose snapshotted index
// hasn't been superseded by a newer write taken since the snapshot, in one
// batched call to physical storage, then clears each flushed page's entry
// in the WAL manager's dirty-page floor. Pages that raced with a newer
// write are left dirty for the next round, and the WAL manager's floor
// entry for them is left untouched so Checkpoint still retains the
// generation that covers them.
func (s *PageStore) flushRound(ctx context.Context) error {
	dirty := s.cache.DirtyAddresses()
	if len(dirty) == 0 {
		return nil
	}

	type snapshot struct {
		addr PageAddress
		idx  WALIndex
	}
	var pending []snapshot
	writes := make([]struct {
		Addr PageAddress
		Idx  WALIndex
		Body []byte
	}, 0, len(dirty))
	for addr, snapshotIdx := range dirty {
		idx, body, ok := s.cache.Snapshot(addr)
		if !ok || idx != snapshotIdx {
			continue // already superseded or evicted between the two reads
		}
		pending = append(pending, snapshot{addr: addr, idx: idx})
		writes = append(writes, struct {
			Addr PageAddress
			Idx  WALIndex
			Body []byte
		}{Addr: addr, Idx: idx, Body: body})
	}
	if len(writes) == 0 {
		return nil
	}

	if err := s.storage.BatchWrite(ctx, writes); err != nil {
		s.metrics.FlushErrors.Inc()
		failed := make([]PageAddress, len(pending))
		for i, p := range pending {
			failed[i] = p.addr
		}
		return &FlushError{Failed: failed, Err: err}
	}

	for _, p := range pending {
		if s.cache.ClearIfUnchanged(p.addr, p.idx) {
			s.wal.ClearDirty(p.addr)
			s.metrics.PagesFlushed.Inc()
		}
	}
	return nil
}

// FlushSync runs one flush round synchronously.
func (s *PageStore) FlushSync(ctx context.Context) error {
	return s.flushRound(ctx)
}

// Flush submits one flush round to the background worker pool and returns
// immediately; errors are logged, not returned, matching the teacher's
// fire-and-forget background maintenance pattern.
func (s *PageStore) Flush() {
	s.workers.Submit(func() {
		if err := s.flushRound(context.Background()); err != nil {
			s.logger.Error("background flush failed", zap.Error(err))
		}
	})
}

// maybeTriggerFlush submits a flush when the dirty ratio configured via
// Config.MaxDirtyRatio has been reached. Called after every write. The
// dirty count comes from the WAL manager's dirty-page floor rather than
// from the cache's slots, because the caller still holds the exclusive
// latch on the page it just wrote.
func (s *PageStore) maybeTriggerFlush() {
	s.wal.mu.Lock()
	dirty := len(s.wal.dirtyPages)
	s.wal.mu.Unlock()
	if float64(dirty)/float64(s.cfg.PageCacheSizeBytes/int64(s.cfg.PageSize)) >= s.cfg.MaxDirtyRatio {
		s.Flush()
	}
}
