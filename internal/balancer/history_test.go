package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestManagerForHistory() *LoadManager {
	return &LoadManager{
		readyNotify: newNotifier(),
		queueNotify: newNotifier(),
	}
}

func TestRecordRequestHistoryAccumulatesWithinMinute(t *testing.T) {
	lm := newTestManagerForHistory()
	base := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)

	lm.recordRequestHistory(OutcomeSuccess, base)
	lm.recordRequestHistory(OutcomeSuccess, base.Add(20*time.Second))
	lm.recordRequestHistory(OutcomeError, base.Add(40*time.Second))
	lm.recordRequestHistory(OutcomeQueued, base.Add(45*time.Second))

	assert.Len(t, lm.history, 1)
	assert.Equal(t, uint64(2), lm.history[0].Success)
	assert.Equal(t, uint64(1), lm.history[0].Error)
}

func TestRequestHistoryFillsSixtyMinutes(t *testing.T) {
	lm := newTestManagerForHistory()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	lm.recordRequestHistory(OutcomeSuccess, now)
	lm.recordRequestHistory(OutcomeSuccess, now.Add(-30*time.Minute))

	series := lm.RequestHistory(now)
	assert.Len(t, series, 60)
	assert.Equal(t, now, series[len(series)-1].Minute)
	assert.Equal(t, uint64(1), series[len(series)-1].Success)
}

func TestPruneHistoryDropsOldPoints(t *testing.T) {
	lm := newTestManagerForHistory()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	lm.recordRequestHistory(OutcomeSuccess, now.Add(-2*time.Hour))
	lm.recordRequestHistory(OutcomeSuccess, now)

	assert.Len(t, lm.history, 1, "points older than the 60 minute window must be pruned")
}
