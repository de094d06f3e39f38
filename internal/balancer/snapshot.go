package balancer

import (
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/model"
)

func (lm *LoadManager) buildSnapshotLocked(ep model.Endpoint, now time.Time) EndpointLoadSnapshot {
	s, ok := lm.state[ep.ID]
	if !ok {
		return EndpointLoadSnapshot{EndpointID: ep.ID, Initializing: true, IsStale: true}
	}

	snap := EndpointLoadSnapshot{
		EndpointID:         ep.ID,
		CombinedActive:     s.combinedActive(),
		TotalAssigned:      s.TotalAssigned,
		SuccessCount:       s.SuccessCount,
		ErrorCount:         s.ErrorCount,
		AverageLatencyMs:   s.averageLatencyMs(),
		EffectiveAverageMs: s.effectiveAverageMs(),
		Initializing:       s.Initializing,
		ReadyModels:        s.ReadyModels,
		TotalInputTokens:   s.TotalInputTokens,
		TotalOutputTokens:  s.TotalOutputTokens,
		TotalTokens:        s.TotalTokens,
		IsStale:            s.isStale(now),
	}
	if s.LastMetrics != nil {
		t := s.LastMetrics.ReceivedAt
		snap.LastMetricsReceivedAt = &t
	}
	return snap
}

// Snapshot returns the load snapshot for one endpoint, if known to the registry.
func (lm *LoadManager) Snapshot(endpointID uuid.UUID) (EndpointLoadSnapshot, bool) {
	ep, ok := lm.registry.Get(endpointID)
	if !ok {
		return EndpointLoadSnapshot{}, false
	}

	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.buildSnapshotLocked(ep, time.Now()), true
}

// Snapshots returns the load snapshot for every endpoint the registry knows about.
func (lm *LoadManager) Snapshots() []EndpointLoadSnapshot {
	endpoints := lm.registry.List()
	now := time.Now()

	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]EndpointLoadSnapshot, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, lm.buildSnapshotLocked(ep, now))
	}
	return out
}

// SystemSummary is the deployment-wide rollup spec.md's dashboard surface exposes.
type SystemSummary struct {
	OnlineEndpoints  int
	PendingEndpoints int
	OfflineEndpoints int

	QueuedRequests int64

	TotalActiveRequests uint64
	TotalRequests        uint64
	SuccessfulRequests   uint64
	FailedRequests       uint64

	TotalInputTokens  uint64
	TotalOutputTokens uint64
	TotalTokens       uint64

	AverageResponseTimeMs   *float64
	AverageGPUUsagePercent  *float64
	AverageGPUMemoryPercent *float64

	LastMetricsUpdatedAt *time.Time
}

// Summary computes the deployment-wide rollup across every registered endpoint.
func (lm *LoadManager) Summary() SystemSummary {
	endpoints := lm.registry.ListIncludingRemoved()
	now := time.Now()

	summary := SystemSummary{QueuedRequests: lm.queueWaiters.Load()}

	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var (
		weightedLatencySum, weightedLatencyWeight float64
		simpleLatencySum                          float64
		simpleLatencyCount                        int

		gpuUsageSum, gpuMemSum float64
		gpuSampleCount         int

		freshLatest, staleLatest *time.Time
	)

	for _, ep := range endpoints {
		if ep.IsRemoved() {
			continue
		}
		switch ep.Status {
		case model.EndpointStatusOnline:
			summary.OnlineEndpoints++
		case model.EndpointStatusPending:
			summary.PendingEndpoints++
		default:
			summary.OfflineEndpoints++
		}

		s, ok := lm.state[ep.ID]
		if !ok {
			continue
		}

		fresh := !s.isStale(now)
		if fresh {
			summary.TotalActiveRequests += uint64(s.combinedActive())
		}

		summary.TotalRequests += s.SuccessCount + s.ErrorCount
		summary.SuccessfulRequests += s.SuccessCount
		summary.FailedRequests += s.ErrorCount

		summary.TotalInputTokens += s.TotalInputTokens
		summary.TotalOutputTokens += s.TotalOutputTokens
		summary.TotalTokens += s.TotalTokens

		if s.LastMetrics != nil {
			t := s.LastMetrics.ReceivedAt
			if fresh {
				if freshLatest == nil || t.After(*freshLatest) {
					freshLatest = &t
				}
			} else if staleLatest == nil || t.After(*staleLatest) {
				staleLatest = &t
			}
		}

		if fresh {
			if avg := s.effectiveAverageMs(); avg != nil {
				weight := float64(s.TotalAssigned)
				if weight < 1 {
					weight = 1
				}
				weightedLatencySum += *avg * weight
				weightedLatencyWeight += weight
			}
			if s.LastMetrics != nil {
				if s.LastMetrics.GPUUsagePercent != nil {
					gpuUsageSum += float64(*s.LastMetrics.GPUUsagePercent)
					gpuSampleCount++
				}
				if s.LastMetrics.GPUMemoryUsagePercent != nil {
					gpuMemSum += float64(*s.LastMetrics.GPUMemoryUsagePercent)
				}
			}
		} else if avg := s.averageLatencyMs(); avg != nil {
			simpleLatencySum += *avg
			simpleLatencyCount++
		}
	}

	if weightedLatencyWeight > 0 {
		v := weightedLatencySum / weightedLatencyWeight
		summary.AverageResponseTimeMs = &v
	} else if simpleLatencyCount > 0 {
		v := simpleLatencySum / float64(simpleLatencyCount)
		summary.AverageResponseTimeMs = &v
	}

	if gpuSampleCount > 0 {
		usage := gpuUsageSum / float64(gpuSampleCount)
		mem := gpuMemSum / float64(gpuSampleCount)
		summary.AverageGPUUsagePercent = &usage
		summary.AverageGPUMemoryPercent = &mem
	}

	if freshLatest != nil {
		summary.LastMetricsUpdatedAt = freshLatest
	} else if staleLatest != nil {
		summary.LastMetricsUpdatedAt = staleLatest
	}

	return summary
}
