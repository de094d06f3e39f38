package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ArchiveOldEntries moves fully-sealed batches (and independently, unbatched
// entries) whose timestamps fall before the retention cutoff into the
// archive database, then rebuilds the main chain's sequence numbers and
// hashes so the main DB keeps verifying. Returns the number of entries moved.
//
// A batch is only archivable as a whole: archiving a partial batch would
// break the previous_hash link the remaining portion depends on. Unbatched
// rows carry no chain dependency and can move independently of batch
// boundaries, which also covers rows ingested before batching existed.
func ArchiveOldEntries(ctx context.Context, store *Store, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	archivableBatches, err := findArchivableBatches(ctx, store, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find archivable batches: %w", err)
	}

	oldUnbatched, err := findOldUnbatchedEntries(ctx, store, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find old unbatched entries: %w", err)
	}

	if len(archivableBatches) == 0 && len(oldUnbatched) == 0 {
		return 0, nil
	}

	var movedCount int64

	if len(oldUnbatched) > 0 {
		if err := copyEntriesToArchive(ctx, store, oldUnbatched); err != nil {
			return 0, fmt.Errorf("copy unbatched entries to archive: %w", err)
		}
		ids := entryIDs(oldUnbatched)
		if err := deleteEntries(ctx, store.main, ids); err != nil {
			return 0, fmt.Errorf("delete archived unbatched entries: %w", err)
		}
		movedCount += int64(len(oldUnbatched))
	}

	if len(archivableBatches) > 0 {
		for _, b := range archivableBatches {
			entries, err := store.EntriesForBatch(ctx, b.ID)
			if err != nil {
				return 0, fmt.Errorf("load entries for batch %d: %w", b.SequenceNumber, err)
			}

			if err := copyBatchToArchive(ctx, store, b, entries); err != nil {
				return 0, fmt.Errorf("copy batch %d to archive: %w", b.SequenceNumber, err)
			}

			if err := deleteEntries(ctx, store.main, entryIDs(entries)); err != nil {
				return 0, fmt.Errorf("delete archived batch %d entries: %w", b.SequenceNumber, err)
			}
			if err := deleteBatchHash(ctx, store.main, b.ID); err != nil {
				return 0, fmt.Errorf("delete archived batch %d hash: %w", b.SequenceNumber, err)
			}

			movedCount += int64(len(entries))
		}

		if err := RebuildMainChainMetadata(ctx, store); err != nil {
			return 0, fmt.Errorf("rebuild main chain metadata: %w", err)
		}
	}

	return movedCount, nil
}

func findArchivableBatches(ctx context.Context, store *Store, cutoff time.Time) ([]BatchHash, error) {
	all, err := store.AllBatchHashes(ctx)
	if err != nil {
		return nil, err
	}
	var out []BatchHash
	for _, b := range all {
		if b.BatchEnd.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}

func findOldUnbatchedEntries(ctx context.Context, store *Store, cutoff time.Time) ([]Entry, error) {
	unbatched, err := store.UnbatchedEntries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range unbatched {
		if e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryIDs(entries []Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func copyEntriesToArchive(ctx context.Context, store *Store, entries []Entry) error {
	for _, e := range entries {
		if _, err := store.archive.ExecContext(ctx, `
			INSERT OR IGNORE INTO audit_log_entries (
				id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
				actor_username, api_key_owner_id, client_ip, duration_ms, input_tokens,
				output_tokens, total_tokens, model_name, endpoint_id, detail, batch_id,
				is_migrated, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		`,
			e.ID, e.Timestamp, e.HTTPMethod, e.RequestPath, e.StatusCode, string(e.ActorType), nullStr(e.ActorID),
			nullStr(e.ActorUsername), nullStr(e.APIKeyOwnerID), nullStr(e.ClientIP), e.DurationMs,
			nullInt64Ptr(e.InputTokens), nullInt64Ptr(e.OutputTokens), nullInt64Ptr(e.TotalTokens),
			nullStr(e.ModelName), nullStr(e.EndpointID), nullStr(e.Detail), nullInt64Ptr(e.BatchID), e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func copyBatchToArchive(ctx context.Context, store *Store, b BatchHash, entries []Entry) error {
	if _, err := store.archive.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_batch_hashes (
			id, sequence_number, batch_start, batch_end, record_count, hash, previous_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.SequenceNumber, b.BatchStart, b.BatchEnd, b.RecordCount, b.Hash, b.PreviousHash, b.CreatedAt); err != nil {
		return err
	}
	return copyEntriesToArchive(ctx, store, entries)
}

func deleteEntries(ctx context.Context, db *sql.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM audit_log_entries WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	return err
}

func deleteBatchHash(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM audit_batch_hashes WHERE id = ?`, id)
	return err
}
