package audit

import (
	"context"
	"sync"
	"time"

	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/metrics"
)

// Service buffers incoming audit entries on a channel so the HTTP hot path
// never waits on disk, persists them as they arrive, and periodically seals
// all currently-unbatched entries into a new hash-chained batch. Mirrors
// the channel + worker-pool + graceful-shutdown shape the rest of this
// codebase uses for its other background writers.
type Service struct {
	store  *Store
	logger *logger.Logger

	entryCh chan Entry
	done    chan struct{}
	wg      sync.WaitGroup

	batchInterval time.Duration
	batchSize     int

	droppedMu sync.Mutex
	dropped   int64
}

// Config tunes the batching service.
type Config struct {
	BufferSize    int
	BatchInterval time.Duration
	BatchSize     int
}

// NewService constructs and starts a Service. Call Shutdown to drain and stop it.
func NewService(store *Store, cfg Config, log *logger.Logger) *Service {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2000
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	s := &Service{
		store:         store,
		logger:        log.WithComponent("audit"),
		entryCh:       make(chan Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		batchInterval: cfg.BatchInterval,
		batchSize:     cfg.BatchSize,
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.sealLoop()

	return s
}

// Record enqueues one audit entry without blocking the caller. If the
// buffer is full, the entry is dropped and counted rather than applying
// backpressure to the request that triggered it.
func (s *Service) Record(e Entry) {
	select {
	case s.entryCh <- e:
	default:
		s.droppedMu.Lock()
		s.dropped++
		s.droppedMu.Unlock()
		metrics.AuditEntriesDropped.Inc()
		s.logger.Warn("audit entry dropped, buffer full", "method", e.HTTPMethod, "path", e.RequestPath)
	}
}

// Dropped returns how many audit entries have been dropped for buffer pressure.
func (s *Service) Dropped() int64 {
	s.droppedMu.Lock()
	defer s.droppedMu.Unlock()
	return s.dropped
}

func (s *Service) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case e, ok := <-s.entryCh:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.store.InsertEntry(ctx, e); err != nil {
				s.logger.Error("failed to persist audit entry", "error", err)
			}
			cancel()
		case <-s.done:
			// drain remaining buffered entries before exiting
			for {
				select {
				case e, ok := <-s.entryCh:
					if !ok {
						return
					}
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if _, err := s.store.InsertEntry(ctx, e); err != nil {
						s.logger.Error("failed to persist audit entry during drain", "error", err)
					}
					cancel()
				default:
					return
				}
			}
		}
	}
}

func (s *Service) sealLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := SealPendingEntries(ctx, s.store, s.batchSize); err != nil {
				s.logger.Error("failed to seal audit batch", "error", err)
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// Shutdown stops accepting new work, drains buffered entries, and waits for
// both background loops to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	close(s.done)
	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SealPendingEntries takes every currently-unbatched entry (up to maxBatchSize),
// computes the next batch's hash chained from the latest sealed batch (or
// GenesisHash if none exist), and persists the BatchHash + entries' batch_id
// update atomically. A no-op when there are no unbatched entries.
func SealPendingEntries(ctx context.Context, store *Store, maxBatchSize int) error {
	pending, err := store.UnbatchedEntries(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if maxBatchSize > 0 && len(pending) > maxBatchSize {
		pending = pending[:maxBatchSize]
	}

	latest, err := store.LatestBatchHash(ctx)
	if err != nil {
		return err
	}

	previousHash := GenesisHash
	sequenceNumber := int64(1)
	if latest != nil {
		previousHash = latest.Hash
		sequenceNumber = latest.SequenceNumber + 1
	}

	batchStart := pending[0].Timestamp
	batchEnd := pending[len(pending)-1].Timestamp
	recordCount := int64(len(pending))

	hash, err := computeBatchHash(previousHash, sequenceNumber, batchStart, batchEnd, recordCount, pending)
	if err != nil {
		return err
	}

	entryIDs := make([]int64, len(pending))
	for i, e := range pending {
		entryIDs[i] = e.ID
	}

	return store.SealBatch(ctx, BatchHash{
		SequenceNumber: sequenceNumber,
		BatchStart:     batchStart,
		BatchEnd:       batchEnd,
		RecordCount:    recordCount,
		Hash:           hash,
		PreviousHash:   previousHash,
	}, entryIDs)
}
