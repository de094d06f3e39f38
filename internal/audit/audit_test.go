package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/storage"
)

func newTestDatabases(t *testing.T) *storage.Databases {
	t.Helper()
	log := logger.New(logger.FromConfig("error", "text"))
	dbs, err := storage.Open(context.Background(), storage.Options{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })
	return dbs
}

func TestSealPendingEntriesChainsHashes(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	_, err := store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAnonymous, DurationMs: 10,
	})
	require.NoError(t, err)

	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	batches, err := store.AllBatchHashes(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(1), batches[0].SequenceNumber)
	assert.Equal(t, audit.GenesisHash, batches[0].PreviousHash)

	_, err = store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/embeddings", StatusCode: 200,
		ActorType: audit.ActorAnonymous, DurationMs: 5,
	})
	require.NoError(t, err)
	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	batches, err = store.AllBatchHashes(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, int64(2), batches[1].SequenceNumber)
	assert.Equal(t, batches[0].Hash, batches[1].PreviousHash, "batch 2 must chain from batch 1's hash")

	result, err := audit.VerifyChain(ctx, store, false)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestSealPendingEntriesNoOpWhenEmpty(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	batches, err := store.AllBatchHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestVerifyChainDetectsTamperedHash(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	_, err := store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAnonymous,
	})
	require.NoError(t, err)
	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	_, err = dbs.Main.ExecContext(ctx, `UPDATE audit_batch_hashes SET hash = 'tampered' WHERE sequence_number = 1`)
	require.NoError(t, err)

	result, err := audit.VerifyChain(ctx, store, false)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(1), result.FailedAt)
}

func TestArchiveOldEntriesRebuildsChain(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10)
	recent := time.Now().UTC()

	_, err := store.InsertEntry(ctx, audit.Entry{Timestamp: old, HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200, ActorType: audit.ActorAnonymous})
	require.NoError(t, err)
	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	_, err = store.InsertEntry(ctx, audit.Entry{Timestamp: recent, HTTPMethod: "POST", RequestPath: "/v1/embeddings", StatusCode: 200, ActorType: audit.ActorAnonymous})
	require.NoError(t, err)
	require.NoError(t, audit.SealPendingEntries(ctx, store, 500))

	moved, err := audit.ArchiveOldEntries(ctx, store, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved, "only the batch older than the retention cutoff is archived")

	mainBatches, err := store.AllBatchHashes(ctx)
	require.NoError(t, err)
	require.Len(t, mainBatches, 1, "the archived batch must be removed from the main chain")
	assert.Equal(t, int64(1), mainBatches[0].SequenceNumber, "the remaining batch is renumbered starting at 1")
	assert.Equal(t, audit.GenesisHash, mainBatches[0].PreviousHash)

	archiveBatches, err := store.ArchiveBatchHashes(ctx)
	require.NoError(t, err)
	require.Len(t, archiveBatches, 1)

	result, err := audit.VerifyChain(ctx, store, false)
	require.NoError(t, err)
	assert.True(t, result.Valid, "the main chain must still verify after archival and rebuild")
}

func TestSearchEntriesMatchesPathAndActor(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	_, err := store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAPIKey, ActorUsername: "alice",
	})
	require.NoError(t, err)
	_, err = store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/embeddings", StatusCode: 200,
		ActorType: audit.ActorAPIKey, ActorUsername: "bob",
	})
	require.NoError(t, err)

	byPath, err := store.SearchEntries(ctx, "completions", 50, 0)
	require.NoError(t, err)
	require.Len(t, byPath, 1)
	assert.Equal(t, "/v1/chat/completions", byPath[0].RequestPath)

	byActor, err := store.SearchEntries(ctx, "alice", 50, 0)
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "alice", byActor[0].ActorUsername)

	count, err := store.CountSearchResults(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	none, err := store.SearchEntries(ctx, `"`, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, none, "a query that sanitizes to empty must match nothing")
}

func TestTokenStatisticsAggregatesAcrossEntries(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	in1, out1, total1 := int64(10), int64(20), int64(30)
	in2, out2 := int64(5), int64(7)

	_, err := store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAnonymous, ModelName: "llama-3-8b",
		InputTokens: &in1, OutputTokens: &out1, TotalTokens: &total1,
	})
	require.NoError(t, err)
	// No total_tokens reported: must be inferred as input+output.
	_, err = store.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAnonymous, ModelName: "llama-3-8b",
		InputTokens: &in2, OutputTokens: &out2,
	})
	require.NoError(t, err)

	stats, err := store.TokenStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.TotalInputTokens)
	assert.Equal(t, int64(27), stats.TotalOutputTokens)
	assert.Equal(t, int64(42), stats.TotalTokens, "second entry's total must be inferred as input+output")
	assert.Equal(t, int64(2), stats.RequestCount)

	byModel, err := store.TokenStatisticsByModel(ctx)
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, "llama-3-8b", byModel[0].Model)
	assert.Equal(t, int64(42), byModel[0].TotalTokens)

	daily, err := store.DailyTokenStatistics(ctx, 7)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(42), daily[0].TotalTokens)

	monthly, err := store.MonthlyTokenStatistics(ctx, 3)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, int64(42), monthly[0].TotalTokens)
}

func TestTokenStatisticsEmptyDatabase(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	ctx := context.Background()

	stats, err := store.TokenStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.TokenStatistics{}, stats)

	byModel, err := store.TokenStatisticsByModel(ctx)
	require.NoError(t, err)
	assert.Empty(t, byModel)
}

func TestServiceRecordPersistsAsynchronously(t *testing.T) {
	dbs := newTestDatabases(t)
	store := audit.NewStore(dbs.Main, dbs.Archive)
	log := logger.New(logger.FromConfig("error", "text"))

	svc := audit.NewService(store, audit.Config{BufferSize: 16, BatchInterval: time.Hour, BatchSize: 500}, log)

	svc.Record(audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAnonymous,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx), "shutdown must drain the buffered entry before returning")

	entries, err := store.UnbatchedEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/v1/chat/completions", entries[0].RequestPath)
}
