package balancer

import (
	"context"
	"time"

	"github.com/llmlb/llmlb/internal/metrics"
)

// WaitResult is the outcome of a wait-for-ready or wait-for-idle call.
type WaitResult int

const (
	WaitReady WaitResult = iota
	WaitTimeout
	WaitCapacityExceeded
)

// HasReadyNodes reports whether at least one endpoint has completed
// initialization.
func (lm *LoadManager) HasReadyNodes() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, s := range lm.state {
		if !s.Initializing {
			return true
		}
	}
	return false
}

// AllInitializing reports whether the load manager is tracking at least one
// endpoint and every tracked endpoint is still initializing.
func (lm *LoadManager) AllInitializing() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if len(lm.state) == 0 {
		return false
	}
	for _, s := range lm.state {
		if !s.Initializing {
			return false
		}
	}
	return true
}

// WaitForReady blocks until at least one endpoint is ready, the context is
// cancelled, or maxWaiters concurrent waiters are already registered.
func (lm *LoadManager) WaitForReady(ctx context.Context, maxWaiters int) WaitResult {
	return lm.waitForReady(ctx, maxWaiters, 0, false)
}

// WaitForReadyWithTimeout is WaitForReady bounded additionally by timeout.
func (lm *LoadManager) WaitForReadyWithTimeout(ctx context.Context, maxWaiters int, timeout time.Duration) WaitResult {
	return lm.waitForReady(ctx, maxWaiters, timeout, true)
}

func (lm *LoadManager) waitForReady(ctx context.Context, maxWaiters int, timeout time.Duration, useTimeout bool) WaitResult {
	if lm.waiters.Add(1) > int64(maxWaiters) {
		lm.waiters.Add(-1)
		return WaitCapacityExceeded
	}
	defer lm.waiters.Add(-1)

	if lm.HasReadyNodes() {
		return WaitReady
	}

	ch := lm.readyNotify.wait()

	var timeoutCh <-chan time.Time
	if useTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		return WaitReady
	case <-timeoutCh:
		return WaitTimeout
	case <-ctx.Done():
		return WaitTimeout
	}
}

// HasIdleNodes reports whether any online, non-initializing endpoint
// currently has zero combined active requests.
func (lm *LoadManager) HasIdleNodes() bool {
	return lm.hasIdleNodesFiltered(nil)
}

// HasIdleNodesForModel is HasIdleNodes restricted to endpoints advertising modelID.
func (lm *LoadManager) HasIdleNodesForModel(modelID string) bool {
	return lm.hasIdleNodesFiltered(&modelID)
}

func (lm *LoadManager) hasIdleNodesFiltered(modelID *string) bool {
	endpoints := lm.onlineEndpoints(modelID)
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, ep := range endpoints {
		s, ok := lm.state[ep.ID]
		if !ok {
			// No load state recorded yet: treat as ready and idle by default,
			// matching the reference implementation's default-idle stance
			// for endpoints the balancer hasn't heard from.
			return true
		}
		if !s.Initializing && s.combinedActive() == 0 {
			return true
		}
	}
	return false
}

// WaitForIdleNodeWithTimeout blocks until some online endpoint is idle, the
// context is cancelled, timeout elapses, or maxWaiters is exceeded.
func (lm *LoadManager) WaitForIdleNodeWithTimeout(ctx context.Context, maxWaiters int, timeout time.Duration) WaitResult {
	return lm.waitForIdle(ctx, maxWaiters, timeout, nil)
}

// WaitForIdleNodeWithTimeoutForModel is WaitForIdleNodeWithTimeout restricted
// to endpoints advertising modelID.
func (lm *LoadManager) WaitForIdleNodeWithTimeoutForModel(ctx context.Context, maxWaiters int, timeout time.Duration, modelID string) WaitResult {
	return lm.waitForIdle(ctx, maxWaiters, timeout, &modelID)
}

func (lm *LoadManager) waitForIdle(ctx context.Context, maxWaiters int, timeout time.Duration, modelID *string) WaitResult {
	if lm.queueWaiters.Add(1) > int64(maxWaiters) {
		lm.queueWaiters.Add(-1)
		metrics.QueuedRequests.Set(float64(lm.queueWaiters.Load()))
		return WaitCapacityExceeded
	}
	metrics.QueuedRequests.Set(float64(lm.queueWaiters.Load()))
	defer func() {
		lm.queueWaiters.Add(-1)
		metrics.QueuedRequests.Set(float64(lm.queueWaiters.Load()))
	}()

	if lm.hasIdleNodesFiltered(modelID) {
		return WaitReady
	}

	ch := lm.queueNotify.wait()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return WaitReady
	case <-timer.C:
		return WaitTimeout
	case <-ctx.Done():
		return WaitTimeout
	}
}

// QueuedWaiters returns the current number of requests blocked in
// WaitForIdleNodeWithTimeout[ForModel]; SystemSummary.QueuedRequests reports
// the same counter.
func (lm *LoadManager) QueuedWaiters() int64 {
	return lm.queueWaiters.Load()
}
