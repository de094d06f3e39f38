package audit

import (
	"context"
	"fmt"
)

// RebuildMainChainMetadata re-sequences and re-hashes every batch remaining
// in the main database after an archival pass, chained forward from
// GenesisHash. Sequence numbers are renumbered 1..N in original order so the
// chain verifies again despite the leading batches having moved to the
// archive database; record counts and hashes are recomputed to match.
//
// This renumbers sequence numbers rather than preserving the originals —
// see DESIGN.md's Open Question resolution for why.
func RebuildMainChainMetadata(ctx context.Context, store *Store) error {
	remaining, err := store.AllBatchHashes(ctx)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}

	tx, err := store.main.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	previousHash := GenesisHash
	for i, b := range remaining {
		newSequence := int64(i + 1)

		entries, err := store.EntriesForBatch(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("load entries for batch id %d: %w", b.ID, err)
		}

		newHash, err := computeBatchHash(previousHash, newSequence, b.BatchStart, b.BatchEnd, int64(len(entries)), entries)
		if err != nil {
			return fmt.Errorf("recompute hash for batch id %d: %w", b.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE audit_batch_hashes
			SET sequence_number = ?, record_count = ?, hash = ?, previous_hash = ?
			WHERE id = ?
		`, newSequence, int64(len(entries)), newHash, previousHash, b.ID); err != nil {
			return fmt.Errorf("update batch id %d: %w", b.ID, err)
		}

		previousHash = newHash
	}

	return tx.Commit()
}
