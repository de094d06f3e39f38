package audit

import (
	"context"
	"fmt"
)

// VerifyResult is the outcome of VerifyChain: either the chain is valid, or
// the first broken link is reported.
type VerifyResult struct {
	Valid        bool
	FailedAt     int64 // sequence_number of the first mismatch, if !Valid
	Reason       string
}

// VerifyChain recomputes each batch's hash from its stored metadata and
// entries and checks it against both the stored hash and the expected
// previous_hash link, returning the first mismatch found.
func VerifyChain(ctx context.Context, store *Store, archive bool) (VerifyResult, error) {
	var (
		batches []BatchHash
		err     error
	)
	if archive {
		batches, err = store.ArchiveBatchHashes(ctx)
	} else {
		batches, err = store.AllBatchHashes(ctx)
	}
	if err != nil {
		return VerifyResult{}, err
	}

	expectedPrevious := GenesisHash
	for _, b := range batches {
		if b.PreviousHash != expectedPrevious {
			return VerifyResult{
				Valid:    false,
				FailedAt: b.SequenceNumber,
				Reason:   fmt.Sprintf("batch %d previous_hash mismatch: expected %s, got %s", b.SequenceNumber, expectedPrevious, b.PreviousHash),
			}, nil
		}

		entries, entryErr := entriesForBatchAndDB(ctx, store, archive, b.ID)
		if entryErr != nil {
			return VerifyResult{}, entryErr
		}

		recomputed, hashErr := computeBatchHash(b.PreviousHash, b.SequenceNumber, b.BatchStart, b.BatchEnd, b.RecordCount, entries)
		if hashErr != nil {
			return VerifyResult{}, hashErr
		}
		if recomputed != b.Hash {
			return VerifyResult{
				Valid:    false,
				FailedAt: b.SequenceNumber,
				Reason:   fmt.Sprintf("batch %d hash mismatch", b.SequenceNumber),
			}, nil
		}

		expectedPrevious = b.Hash
	}

	return VerifyResult{Valid: true}, nil
}

func entriesForBatchAndDB(ctx context.Context, store *Store, archive bool, batchID int64) ([]Entry, error) {
	db := store.main
	if archive {
		db = store.archive
	}
	rows, err := db.QueryContext(ctx, `
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
