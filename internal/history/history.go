// Package history implements the Request History Store: an append-only,
// sanitised record of every proxied request, written off the hot path
// through a buffered channel and a small worker pool, the same shape the
// teacher uses for its own asynchronous request logger.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/sanitize"
)

// RequestType classifies which OpenAI-compatible surface a record came from.
type RequestType string

const (
	RequestTypeChat       RequestType = "chat"
	RequestTypeGenerate   RequestType = "generate"
	RequestTypeEmbeddings RequestType = "embeddings"
)

// Status is the terminal outcome of a proxied request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one persisted request/response history row.
type Record struct {
	ID           uuid.UUID
	Timestamp    time.Time
	RequestType  RequestType
	Model        string
	EndpointID   *uuid.UUID
	EndpointName string
	EndpointHost string
	ClientIP     string
	RequestBody  json.RawMessage // pre-sanitisation; Store sanitises before writing
	ResponseBody json.RawMessage
	DurationMs   int64
	Status       Status
	ErrorMessage string
	CompletedAt  *time.Time
	InputTokens  *int64
	OutputTokens *int64
	TotalTokens  *int64
}

// Store is the channel-backed async writer for history records.
type Store struct {
	db     *sql.DB
	logger *logger.Logger

	recordCh chan Record
	shutdown chan struct{}
	workers  sync.WaitGroup
	closed   atomic.Bool

	dropped atomic.Int64
}

// Config tunes the Store's worker pool and buffer.
type Config struct {
	WorkerPoolSize int
	BufferSize     int
}

// NewStore constructs and starts a Store backed by db (already migrated).
func NewStore(db *sql.DB, cfg Config, log *logger.Logger) *Store {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2000
	}

	s := &Store{
		db:       db,
		logger:   log.WithComponent("history"),
		recordCh: make(chan Record, cfg.BufferSize),
		shutdown: make(chan struct{}),
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	return s
}

// Save enqueues a record for asynchronous, sanitised persistence. Never
// blocks: if the buffer is full the record is dropped and counted, which is
// preferable to adding hot-path latency for a dashboard-only write.
func (s *Store) Save(r Record) {
	if s.closed.Load() {
		return
	}
	select {
	case s.recordCh <- r:
	default:
		s.dropped.Add(1)
		metrics.HistoryRecordsDropped.Inc()
		s.logger.Warn("history record dropped, buffer full", "model", r.Model)
	}
}

// Dropped returns the number of records dropped due to buffer pressure.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Store) worker() {
	defer s.workers.Done()
	for {
		select {
		case r, ok := <-s.recordCh:
			if !ok {
				return
			}
			s.persist(r)
		case <-s.shutdown:
			for {
				select {
				case r, ok := <-s.recordCh:
					if !ok {
						return
					}
					s.persist(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) persist(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := insertRecord(ctx, s.db, sanitizeRecord(r)); err != nil {
		s.logger.Error("failed to persist history record", "error", err, "model", r.Model)
	}
}

// sanitizeRecord runs both bodies through the sanitiser so persisted rows
// never carry inline base64 image/audio payloads.
func sanitizeRecord(r Record) Record {
	r.RequestBody = sanitizeJSON(r.RequestBody)
	r.ResponseBody = sanitizeJSON(r.ResponseBody)
	return r
}

func sanitizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON (or malformed); persist as-is rather than dropping it.
		return raw
	}
	cleaned, err := json.Marshal(sanitize.JSON(v))
	if err != nil {
		return raw
	}
	return cleaned
}

// Shutdown stops accepting new records, drains buffered ones, and waits for
// every worker to exit.
func (s *Store) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history store shutdown timed out: %w", ctx.Err())
	}
}
