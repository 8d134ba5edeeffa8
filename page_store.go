package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PageStore is the top-level handle to an open database: it wires together
// the segment folder, physical storage, page cache, and WAL manager, and
// exposes the transactional page API described by the package doc comment.
type PageStore struct {
	root    string
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	runID   uuid.UUID

	folder  *Folder
	storage *PhysicalStorage
	cache   *PageCache
	wal     *WALManager
	workers *workerPool

	nextTxID atomic.Uint64

	closeOnce sync.Once
	stopBg    chan struct{}
	bgWG      sync.WaitGroup
}

// Open opens (creating if necessary) a database rooted at dir.
func Open(dir string, cfg Config, logger *zap.Logger) (*PageStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage: invalid config: %w", err)
	}

	folder, err := OpenFolder(dir, cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	ps := NewPhysicalStorage(folder, cfg.PageSize, cfg.MaxNumOpenSegments, logger)
	wal, err := NewWALManager(folder, cfg.MaxWALGenerationSize, logger)
	if err != nil {
		return nil, err
	}

	slotCount := int(cfg.PageCacheSizeBytes / int64(cfg.PageSize))
	if slotCount < 1 {
		slotCount = 1
	}
	cache := NewPageCache(slotCount, cfg.PageSize, ps, wal, logger)

	s := &PageStore{
		root:    dir,
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(nil),
		runID:   newRunID(),
		folder:  folder,
		storage: ps,
		cache:   cache,
		wal:     wal,
		workers: newWorkerPool(4),
		stopBg:  make(chan struct{}),
	}
	s.logger.Info("opened database", zap.String("root", dir), zap.String("run_id", s.runID.String()))
	s.startBackgroundLoops()
	return s, nil
}

// Recover replays the WAL against the page cache and rolls back any
// transaction left active at crash time. It must be called once, right
// after Open, before any new Transaction is started.
func (s *PageStore) Recover() error {
	active, err := s.wal.Recover(s.cache, s.storage)
	if err != nil {
		return fmt.Errorf("storage: recover: %w", err)
	}
	for _, txID := range active {
		if err := s.wal.Undo(txID, s.cache); err != nil {
			return fmt.Errorf("storage: recover: undo tx %d: %w", txID, err)
		}
		s.logger.Info("rolled back in-flight transaction found at recovery", zap.Uint64("tx_id", txID))
	}
	return nil
}

// Transaction begins a new transaction.
func (s *PageStore) Transaction() (*Transaction, error) {
	id := s.nextTxID.Add(1)
	s.wal.Begin(id)
	s.metrics.TransactionsBegun.Inc()
	return newTransaction(id, s), nil
}

// GetPage reads a page outside of any transaction, for callers that only
// need a consistent read (e.g. background scans). Internally this opens
// and immediately commits a transaction touching only addr.
func (s *PageStore) GetPage(addr PageAddress) ([]byte, error) {
	tx, err := s.Transaction()
	if err != nil {
		return nil, err
	}
	p, err := tx.GetPage(addr)
	if err != nil {
		return nil, err
	}
	out := p.Read(0, len(p.handle.Body()))
	return out, tx.Commit()
}

func (s *PageStore) startBackgroundLoops() {
	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		t := time.NewTicker(s.cfg.FlushPeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Flush()
			case <-s.stopBg:
				return
			}
		}
	}()
	go func() {
		defer s.bgWG.Done()
		t := time.NewTicker(s.cfg.CheckpointPeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.wal.Checkpoint(); err != nil {
					s.logger.Error("checkpoint failed", zap.Error(err))
				}
			case <-s.stopBg:
				return
			}
		}
	}()
}

// Close stops background maintenance, flushes all dirty pages synchronously,
// and closes every underlying file.
func (s *PageStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopBg)
		s.bgWG.Wait()
		s.workers.Close()

		if ferr := s.flushRound(context.Background()); ferr != nil {
			s.logger.Error("flush during close failed", zap.Error(ferr))
			err = ferr
		}
		if serr := s.storage.Sync(); serr != nil && err == nil {
			err = serr
		}
		if werr := s.wal.Close(); werr != nil && err == nil {
			err = werr
		}
		if cerr := s.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if lerr := s.folder.Close(); lerr != nil && err == nil {
			err = lerr
		}
		s.logger.Info("closed database", zap.String("root", s.root))
	})
	return err
}
