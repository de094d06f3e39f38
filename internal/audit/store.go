package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store wraps the main and archive SQLite handles the audit log persists to.
type Store struct {
	main    *sql.DB
	archive *sql.DB
}

// NewStore constructs a Store over already-migrated main/archive databases.
func NewStore(main, archive *sql.DB) *Store {
	return &Store{main: main, archive: archive}
}

// InsertEntry appends one unsealed audit entry (batch_id NULL) to the main database.
func (s *Store) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	res, err := s.main.ExecContext(ctx, `
		INSERT INTO audit_log_entries (
			timestamp, http_method, request_path, status_code, actor_type, actor_id,
			actor_username, api_key_owner_id, client_ip, duration_ms, input_tokens,
			output_tokens, total_tokens, model_name, endpoint_id, detail, batch_id,
			is_migrated, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?)
	`,
		e.Timestamp, e.HTTPMethod, e.RequestPath, e.StatusCode, string(e.ActorType), nullStr(e.ActorID),
		nullStr(e.ActorUsername), nullStr(e.APIKeyOwnerID), nullStr(e.ClientIP), e.DurationMs,
		nullInt64Ptr(e.InputTokens), nullInt64Ptr(e.OutputTokens), nullInt64Ptr(e.TotalTokens),
		nullStr(e.ModelName), nullStr(e.EndpointID), nullStr(e.Detail), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return res.LastInsertId()
}

// UnbatchedEntries returns every entry with batch_id IS NULL AND is_migrated = 0,
// ordered by id, the set a batch-sealing pass considers.
func (s *Store) UnbatchedEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.main.QueryContext(ctx, `
		SELECT id, timestamp, http_method, request_path, status_code, actor_type,
		       actor_id, actor_username, api_key_owner_id, client_ip, duration_ms,
		       input_tokens, output_tokens, total_tokens, model_name, endpoint_id,
		       detail, batch_id, is_migrated, created_at
		FROM audit_log_entries
		WHERE batch_id IS NULL AND is_migrated = 0
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestBatchHash returns the most recently sealed batch, if any.
func (s *Store) LatestBatchHash(ctx context.Context) (*BatchHash, error) {
	row := s.main.QueryRowContext(ctx, `
		SELECT id, sequence_number, batch_start, batch_end, record_count, hash, previous_hash, created_at
		FROM audit_batch_hashes ORDER BY sequence_number DESC LIMIT 1
	`)
	var b BatchHash
	err := row.Scan(&b.ID, &b.SequenceNumber, &b.BatchStart, &b.BatchEnd, &b.RecordCount, &b.Hash, &b.PreviousHash, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AllBatchHashes returns every sealed batch in the main database, ordered by sequence.
func (s *Store) AllBatchHashes(ctx context.Context) ([]BatchHash, error) {
	return queryBatchHashes(ctx, s.main)
}

// ArchiveBatchHashes returns every sealed batch in the archive database, ordered by sequence.
func (s *Store) ArchiveBatchHashes(ctx context.Context) ([]BatchHash, error) {
	return queryBatchHashes(ctx, s.archive)
}

func queryBatchHashes(ctx context.Context, db *sql.DB) ([]BatchHash, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sequence_number, batch_start, batch_end, record_count, hash, previous_hash, created_at
		FROM audit_batch_hashes ORDER BY sequence_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchHash
	for rows.Next() {
		var b BatchHash
		if err := rows.Scan(&b.ID, &b.SequenceNumber, &b.BatchStart, &b.BatchEnd, &b.RecordCount, &b.Hash, &b.PreviousHash, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SealBatch inserts a BatchHash row and stamps batch_id onto the given
// entry ids, all within one transaction.
func (s *Store) SealBatch(ctx context.Context, b BatchHash, entryIDs []int64) error {
	tx, err := s.main.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_batch_hashes (sequence_number, batch_start, batch_end, record_count, hash, previous_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.SequenceNumber, b.BatchStart, b.BatchEnd, b.RecordCount, b.Hash, b.PreviousHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert batch hash: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if err := updateEntriesBatchID(ctx, tx, entryIDs, batchID); err != nil {
		return err
	}

	return tx.Commit()
}

func updateEntriesBatchID(ctx context.Context, tx *sql.Tx, entryIDs []int64, batchID int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(entryIDs))
	args := make([]interface{}, 0, len(entryIDs)+1)
	args = append(args, batchID)
	for i, id := range entryIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE audit_log_entries SET batch_id = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// EntriesForBatch returns every entry stamped with the given batch id, ordered by id.
func (s *Store) EntriesForBatch(ctx context.Context, batchID int64) ([]Entry, error) {
	rows, err := s.main.QueryContext(ctx, `
		SELECT id, timestamp, http_method, request_path, status_code, actor_type,
		       actor_id, actor_username, api_key_owner_id, client_ip, duration_ms,
		       input_tokens, output_tokens, total_tokens, model_name, endpoint_id,
		       detail, batch_id, is_migrated, created_at
		FROM audit_log_entries WHERE batch_id = ? ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e                                               Entry
			actorID, actorUsername, apiKeyOwnerID, clientIP sql.NullString
			modelName, endpointID, detail                   sql.NullString
			inputTokens, outputTokens, totalTokens           sql.NullInt64
			batchID                                          sql.NullInt64
			isMigrated                                       int
			actorType                                        string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.HTTPMethod, &e.RequestPath, &e.StatusCode, &actorType,
			&actorID, &actorUsername, &apiKeyOwnerID, &clientIP, &e.DurationMs,
			&inputTokens, &outputTokens, &totalTokens, &modelName, &endpointID,
			&detail, &batchID, &isMigrated, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorType = ActorType(actorType)
		e.ActorID = actorID.String
		e.ActorUsername = actorUsername.String
		e.APIKeyOwnerID = apiKeyOwnerID.String
		e.ClientIP = clientIP.String
		e.ModelName = modelName.String
		e.EndpointID = endpointID.String
		e.Detail = detail.String
		e.IsMigrated = isMigrated != 0
		if inputTokens.Valid {
			v := inputTokens.Int64
			e.InputTokens = &v
		}
		if outputTokens.Valid {
			v := outputTokens.Int64
			e.OutputTokens = &v
		}
		if totalTokens.Valid {
			v := totalTokens.Int64
			e.TotalTokens = &v
		}
		if batchID.Valid {
			v := batchID.Int64
			e.BatchID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64Ptr(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
