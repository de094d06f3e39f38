package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModelTpsStateUpdateTPS(t *testing.T) {
	var s ModelTpsState

	s.updateTPS(100, 0)
	assert.Equal(t, uint64(0), s.RequestCount, "zero duration must be ignored as a measurement error")

	s.updateTPS(100, 1000)
	assert.InDelta(t, 100.0, s.TpsEMA, 0.001, "first sample seeds the EMA directly")
	assert.Equal(t, uint64(1), s.RequestCount)

	s.updateTPS(200, 1000)
	want := 0.2*200.0 + 0.8*100.0
	assert.InDelta(t, want, s.TpsEMA, 0.001)
	assert.Equal(t, uint64(300), s.TotalOutputTokens)
	assert.Equal(t, uint64(2000), s.TotalDurationMs)
}

func TestEndpointLoadStateCombinedActive(t *testing.T) {
	active := uint32(3)
	s := &EndpointLoadState{
		AssignedActive: 1,
		LastMetrics:    &HealthMetrics{ActiveRequests: &active},
	}
	assert.Equal(t, uint32(3), s.combinedActive())

	s.AssignedActive = 5
	assert.Equal(t, uint32(5), s.combinedActive())
}

func TestEndpointLoadStateAverageLatency(t *testing.T) {
	s := &EndpointLoadState{}
	assert.Nil(t, s.averageLatencyMs())

	s.SuccessCount = 1
	s.ErrorCount = 1
	s.TotalLatencyMs = 300
	avg := s.averageLatencyMs()
	if assert.NotNil(t, avg) {
		assert.InDelta(t, 150.0, *avg, 0.001)
	}
}

func TestEndpointLoadStateIsStale(t *testing.T) {
	s := &EndpointLoadState{}
	now := time.Now()
	assert.True(t, s.isStale(now), "no heartbeat at all is stale")

	s.LastMetrics = &HealthMetrics{ReceivedAt: now.Add(-200 * time.Second)}
	assert.True(t, s.isStale(now))

	s.LastMetrics = &HealthMetrics{ReceivedAt: now.Add(-10 * time.Second)}
	assert.False(t, s.isStale(now))
}

func TestEndpointLoadStatePushMetricsCap(t *testing.T) {
	s := &EndpointLoadState{}
	for i := 0; i < MetricsHistoryCapacity+10; i++ {
		s.pushMetrics(HealthMetrics{ReceivedAt: time.Now()})
	}
	assert.Len(t, s.MetricsHistory, MetricsHistoryCapacity)
}
