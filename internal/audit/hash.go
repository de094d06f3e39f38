package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalEntry is the stable, field-ordered projection of an Entry that
// participates in the batch hash. Using a dedicated struct (rather than
// hashing Entry directly) keeps the hash stable even if Entry grows fields
// that shouldn't affect the chain (e.g. a future cosmetic column).
type canonicalEntry struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	HTTPMethod    string    `json:"http_method"`
	RequestPath   string    `json:"request_path"`
	StatusCode    int       `json:"status_code"`
	ActorType     ActorType `json:"actor_type"`
	ActorID       string    `json:"actor_id"`
	ActorUsername string    `json:"actor_username"`
	ClientIP      string    `json:"client_ip"`
	DurationMs    int64     `json:"duration_ms"`
	ModelName     string    `json:"model_name"`
	EndpointID    string    `json:"endpoint_id"`
	Detail        string    `json:"detail"`
}

func canonicalize(entries []Entry) []canonicalEntry {
	out := make([]canonicalEntry, len(entries))
	for i, e := range entries {
		out[i] = canonicalEntry{
			ID:            e.ID,
			Timestamp:     e.Timestamp.UTC(),
			HTTPMethod:    e.HTTPMethod,
			RequestPath:   e.RequestPath,
			StatusCode:    e.StatusCode,
			ActorType:     e.ActorType,
			ActorID:       e.ActorID,
			ActorUsername: e.ActorUsername,
			ClientIP:      e.ClientIP,
			DurationMs:    e.DurationMs,
			ModelName:     e.ModelName,
			EndpointID:    e.EndpointID,
			Detail:        e.Detail,
		}
	}
	return out
}

// computeBatchHash hashes the batch metadata plus the canonical entry set,
// chained from previousHash. The same (previousHash, sequenceNumber,
// batchStart, batchEnd, recordCount, entries) always produces the same
// hash, which is what makes verification possible.
func computeBatchHash(previousHash string, sequenceNumber int64, batchStart, batchEnd time.Time, recordCount int64, entries []Entry) (string, error) {
	canonicalJSON, err := json.Marshal(canonicalize(entries))
	if err != nil {
		return "", fmt.Errorf("marshal canonical entries: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d|", previousHash, sequenceNumber, batchStart.UTC().UnixNano(), batchEnd.UTC().UnixNano(), recordCount)
	h.Write(canonicalJSON)

	return hex.EncodeToString(h.Sum(nil)), nil
}
