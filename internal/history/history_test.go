package history_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/storage"
)

func newTestStore(t *testing.T) (*history.Store, *storage.Databases) {
	t.Helper()
	ctx := context.Background()
	log := logger.New(logger.FromConfig("error", "text"))

	dbs, err := storage.Open(ctx, storage.Options{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	store := history.NewStore(dbs.Main, history.Config{WorkerPoolSize: 2, BufferSize: 16}, log)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		store.Shutdown(shutdownCtx)
	})
	return store, dbs
}

func TestStoreSaveAndList(t *testing.T) {
	store, dbs := newTestStore(t)

	now := time.Now().UTC()
	store.Save(history.Record{
		Model:       "llama-3-8b",
		RequestType: history.RequestTypeChat,
		Timestamp:   now,
		RequestBody: json.RawMessage(`{"model":"llama-3-8b"}`),
		Status:      history.StatusSuccess,
		DurationMs:  42,
	})

	require.NoError(t, store.Shutdown(context.Background()), "shutdown must drain buffered records before returning")

	page, err := history.List(context.Background(), dbs.Main, history.Filter{Model: "llama-3-8b"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "llama-3-8b", page.Records[0].Model)
	assert.Equal(t, history.StatusSuccess, page.Records[0].Status)
	assert.Equal(t, int64(42), page.Records[0].DurationMs)
}

func TestStoreSanitisesInlineImageData(t *testing.T) {
	store, dbs := newTestStore(t)

	store.Save(history.Record{
		Model:       "vision-model",
		RequestType: history.RequestTypeChat,
		Timestamp:   time.Now().UTC(),
		RequestBody: json.RawMessage(`{"image":"data:image/png;base64,aGVsbG8="}`),
		Status:      history.StatusSuccess,
	})
	require.NoError(t, store.Shutdown(context.Background()))

	page, err := history.List(context.Background(), dbs.Main, history.Filter{Model: "vision-model"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.NotContains(t, string(page.Records[0].RequestBody), "aGVsbG8=", "inline base64 image data must be sanitised before persisting")
}

func TestStoreSaveDropsWhenClosed(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Shutdown(context.Background()))

	store.Save(history.Record{Model: "after-shutdown"})
	assert.Equal(t, int64(0), store.Dropped(), "a Save after Shutdown is silently ignored, not counted as dropped")
}
