// Package balancer implements the Load Manager: the in-memory layer that
// tracks per-endpoint load, health freshness, and token-per-second
// throughput on top of the identity the registry package owns, and answers
// every endpoint-selection and admission-control question the proxy asks.
package balancer

import (
	"time"

	"github.com/google/uuid"
)

// Tuning constants mirrored from the reference load manager.
const (
	// MetricsStaleThreshold is how long a heartbeat's numbers stay "fresh"
	// before summary/selection logic treats the endpoint as stale.
	MetricsStaleThreshold = 120 * time.Second

	// RequestHistoryWindow is the width of the rolling per-minute request
	// history exposed to dashboards.
	RequestHistoryWindow = 60 * time.Minute

	// MetricsHistoryCapacity caps how many heartbeat snapshots are retained
	// per endpoint; older points are dropped FIFO.
	MetricsHistoryCapacity = 360

	// tpsEMAAlpha weights the newest tokens-per-second sample against the
	// running EMA.
	tpsEMAAlpha = 0.2
)

// HealthMetrics is the most recent heartbeat an endpoint reported.
type HealthMetrics struct {
	ReceivedAt             time.Time
	ActiveRequests         *uint32
	AverageResponseTimeMs  *float64
	GPUUsagePercent        *float32
	GPUMemoryUsagePercent  *float32
}

// MetricsUpdate is the input to RecordMetrics: a heartbeat from an endpoint.
type MetricsUpdate struct {
	EndpointID            uuid.UUID
	ActiveRequests         *uint32
	AverageResponseTimeMs  *float64
	GPU                    *GPUHeartbeat
	Initializing           bool
	ReadyModels            *[2]uint8 // (loaded, total), mirrors the reference's Option<(u8,u8)>
}

// GPUHeartbeat is the GPU portion of a heartbeat payload.
type GPUHeartbeat struct {
	DeviceCount       *int
	MemoryTotalBytes  *uint64
	MemoryUsedBytes   *uint64
	CapabilityScore   *float32
	ModelName         *string
	ComputeCapability *string
	TemperatureC      *float32
	UsagePercent      *float32
	MemoryUsagePercent *float32
}

// TokenUsage is the accounting a completed request reports, when known.
type TokenUsage struct {
	InputTokens  *uint64
	OutputTokens *uint64
	TotalTokens  *uint64
}

// RequestOutcome classifies how a leased request ended.
type RequestOutcome int

const (
	OutcomeSuccess RequestOutcome = iota
	OutcomeError
	OutcomeQueued
)

// ModelTpsState tracks the exponential moving average of output
// tokens-per-second for one (endpoint, model) pair.
type ModelTpsState struct {
	TpsEMA           float64
	RequestCount     uint64
	TotalOutputTokens uint64
	TotalDurationMs  uint64
}

// updateTPS folds one completed generation's token count and wall time into
// the EMA. A zero duration is a measurement error, not a zero-throughput
// sample, and is ignored outright so it can't pull the EMA to zero.
func (s *ModelTpsState) updateTPS(outputTokens uint64, durationMs uint64) {
	if durationMs == 0 {
		return
	}
	currentTPS := float64(outputTokens) / (float64(durationMs) / 1000.0)
	if s.RequestCount == 0 {
		s.TpsEMA = currentTPS
	} else {
		s.TpsEMA = tpsEMAAlpha*currentTPS + (1-tpsEMAAlpha)*s.TpsEMA
	}
	s.RequestCount++
	s.TotalOutputTokens += outputTokens
	s.TotalDurationMs += durationMs
}

// RequestHistoryPoint is one minute's worth of completed-request counts.
type RequestHistoryPoint struct {
	Minute  time.Time
	Success uint64
	Error   uint64
}

// EndpointLoadState is the mutable load-tracking record for one endpoint.
// Everything here is derived from completed/in-flight requests and
// heartbeats; identity (name, URL, kind) lives in the registry.
type EndpointLoadState struct {
	LastMetrics    *HealthMetrics
	AssignedActive uint32
	TotalAssigned  uint64

	SuccessCount   uint64
	ErrorCount     uint64
	TotalLatencyMs uint64

	MetricsHistory []HealthMetrics // FIFO, capped at MetricsHistoryCapacity

	Initializing bool
	ReadyModels  *[2]uint8

	TotalInputTokens  uint64
	TotalOutputTokens uint64
	TotalTokens       uint64
}

// combinedActive is the max of the endpoint's self-reported active count
// (from its last heartbeat) and the requests this process has assigned to
// it but not yet seen complete — whichever view is higher wins, since
// either one under-reporting active work is the unsafe direction.
func (s *EndpointLoadState) combinedActive() uint32 {
	heartbeatActive := uint32(0)
	if s.LastMetrics != nil && s.LastMetrics.ActiveRequests != nil {
		heartbeatActive = *s.LastMetrics.ActiveRequests
	}
	if s.AssignedActive > heartbeatActive {
		return s.AssignedActive
	}
	return heartbeatActive
}

// averageLatencyMs is the mean wall-clock latency across every request this
// process has completed for the endpoint, or nil if none have completed yet.
func (s *EndpointLoadState) averageLatencyMs() *float64 {
	total := s.SuccessCount + s.ErrorCount
	if total == 0 {
		return nil
	}
	avg := float64(s.TotalLatencyMs) / float64(total)
	return &avg
}

// isStale reports whether the endpoint has no heartbeat, or its last one is
// older than MetricsStaleThreshold.
func (s *EndpointLoadState) isStale(now time.Time) bool {
	if s.LastMetrics == nil {
		return true
	}
	return now.Sub(s.LastMetrics.ReceivedAt) > MetricsStaleThreshold
}

// effectiveAverageMs prefers the endpoint's self-reported average response
// time, falling back to this process's own completed-request average.
func (s *EndpointLoadState) effectiveAverageMs() *float64 {
	if s.LastMetrics != nil && s.LastMetrics.AverageResponseTimeMs != nil {
		return s.LastMetrics.AverageResponseTimeMs
	}
	return s.averageLatencyMs()
}

// pushMetrics appends a heartbeat snapshot to the bounded history, evicting
// the oldest entry once the cap is exceeded.
func (s *EndpointLoadState) pushMetrics(m HealthMetrics) {
	s.MetricsHistory = append(s.MetricsHistory, m)
	if len(s.MetricsHistory) > MetricsHistoryCapacity {
		s.MetricsHistory = s.MetricsHistory[len(s.MetricsHistory)-MetricsHistoryCapacity:]
	}
}

// EndpointLoadSnapshot is the read-only view of an endpoint's load state
// exposed to dashboards and the /v1/models-adjacent admin surface. The
// reference implementation also exposes this under a deprecated
// "NodeLoadSnapshot" alias; this package intentionally exposes only this one
// name (see DESIGN.md).
type EndpointLoadSnapshot struct {
	EndpointID            uuid.UUID
	CombinedActive        uint32
	TotalAssigned         uint64
	SuccessCount          uint64
	ErrorCount            uint64
	AverageLatencyMs      *float64
	EffectiveAverageMs    *float64
	Initializing          bool
	ReadyModels           *[2]uint8
	TotalInputTokens      uint64
	TotalOutputTokens     uint64
	TotalTokens           uint64
	IsStale               bool
	LastMetricsReceivedAt *time.Time
}
