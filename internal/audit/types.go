// Package audit implements the tamper-evident audit log: every HTTP request
// against the routing surface produces one AuditLogEntry, sealed in batches
// under a SHA-256 hash chain so tampering with a persisted row is
// detectable by a linear verification scan. Old, fully-batched entries are
// periodically archived to a second database, and the main chain is
// rebuilt afterward so it keeps verifying.
package audit

import "time"

// ActorType classifies who made the request that produced an entry.
type ActorType string

const (
	ActorAnonymous ActorType = "anonymous"
	ActorAPIKey    ActorType = "api_key"
	ActorUser      ActorType = "user"
)

// Entry is one immutable HTTP-level access record.
type Entry struct {
	ID             int64
	Timestamp      time.Time
	HTTPMethod     string
	RequestPath    string
	StatusCode     int
	ActorType      ActorType
	ActorID        string
	ActorUsername  string
	APIKeyOwnerID  string
	ClientIP       string
	DurationMs     int64
	InputTokens    *int64
	OutputTokens   *int64
	TotalTokens    *int64
	ModelName      string
	EndpointID     string
	Detail         string
	BatchID        *int64
	IsMigrated     bool
	CreatedAt      time.Time
}

// BatchHash is one sealed batch's chain-commitment row.
type BatchHash struct {
	ID             int64
	SequenceNumber int64
	BatchStart     time.Time
	BatchEnd       time.Time
	RecordCount    int64
	Hash           string
	PreviousHash   string
	CreatedAt      time.Time
}

// GenesisHash is the fixed previous_hash value used for batch #1.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000"

// TokenStatistics is the aggregate token-usage rollup across all audited requests.
type TokenStatistics struct {
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
	RequestCount      int64
}

// ModelTokenStatistics is TokenStatistics scoped to one model.
type ModelTokenStatistics struct {
	Model string
	TokenStatistics
}

// DailyTokenStatistics is TokenStatistics scoped to one UTC calendar day.
type DailyTokenStatistics struct {
	Day string // YYYY-MM-DD
	TokenStatistics
}

// MonthlyTokenStatistics is TokenStatistics scoped to one UTC calendar month.
type MonthlyTokenStatistics struct {
	Month string // YYYY-MM
	TokenStatistics
}
