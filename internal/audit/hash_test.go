package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBatchHashDeterministic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	entries := []Entry{
		{ID: 1, Timestamp: start, HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200},
		{ID: 2, Timestamp: start.Add(time.Minute), HTTPMethod: "POST", RequestPath: "/v1/embeddings", StatusCode: 200},
	}

	h1, err := computeBatchHash(GenesisHash, 1, start, end, 2, entries)
	require.NoError(t, err)
	h2, err := computeBatchHash(GenesisHash, 1, start, end, 2, entries)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hashing the same inputs twice must be deterministic")

	h3, err := computeBatchHash("different-previous", 1, start, end, 2, entries)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "changing previous_hash must change the resulting hash")
}

func TestComputeBatchHashSensitiveToEntryOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	a := Entry{ID: 1, Timestamp: start, HTTPMethod: "POST", RequestPath: "/a", StatusCode: 200}
	b := Entry{ID: 2, Timestamp: start, HTTPMethod: "POST", RequestPath: "/b", StatusCode: 200}

	h1, err := computeBatchHash(GenesisHash, 1, start, end, 2, []Entry{a, b})
	require.NoError(t, err)
	h2, err := computeBatchHash(GenesisHash, 1, start, end, 2, []Entry{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
