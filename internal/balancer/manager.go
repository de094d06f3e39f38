package balancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/registry"
)

// ErrEndpointNotFound is returned by every LoadManager method that takes an
// endpoint id the registry doesn't recognize.
var ErrEndpointNotFound = errors.New("endpoint not found in load manager")

// notifier is a broadcast wakeup primitive built from closing-and-replacing
// a channel, standing in for a condition-variable-style "notify all
// waiters" signal: every waiter holds a channel reference and unblocks the
// instant it's closed, then the next call to notify swaps in a fresh one.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// wait returns a channel that closes the next time notifyAll is called.
func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) notifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// LoadManager is the in-memory load-tracking and endpoint-selection layer.
// One LoadManager is constructed per process and shared by every request.
type LoadManager struct {
	registry *registry.Registry
	logger   *logger.Logger

	mu    sync.RWMutex
	state map[uuid.UUID]*EndpointLoadState

	roundRobin atomic.Uint64

	history   []RequestHistoryPoint
	historyMu sync.Mutex

	waiters      atomic.Int64
	readyNotify  *notifier
	queueWaiters atomic.Int64
	queueNotify  *notifier

	tpsMu  sync.Mutex
	tpsTracker map[tpsKey]*ModelTpsState
}

type tpsKey struct {
	endpointID uuid.UUID
	modelID    string
}

// New constructs a LoadManager backed by reg for endpoint identity lookups.
func New(reg *registry.Registry, log *logger.Logger) *LoadManager {
	return &LoadManager{
		registry:    reg,
		logger:      log.WithComponent("balancer"),
		state:       make(map[uuid.UUID]*EndpointLoadState),
		readyNotify: newNotifier(),
		queueNotify: newNotifier(),
		tpsTracker:  make(map[tpsKey]*ModelTpsState),
	}
}

func (lm *LoadManager) stateFor(id uuid.UUID) *EndpointLoadState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	s, ok := lm.state[id]
	if !ok {
		s = &EndpointLoadState{}
		lm.state[id] = s
	}
	return s
}

func (lm *LoadManager) peekState(id uuid.UUID) (*EndpointLoadState, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	s, ok := lm.state[id]
	return s, ok
}

// UpsertInitialState records the initializing/ready-models flags an
// endpoint reports when it first registers, before any heartbeat arrives.
func (lm *LoadManager) UpsertInitialState(endpointID uuid.UUID, initializing bool, readyModels *[2]uint8) {
	s := lm.stateFor(endpointID)
	lm.mu.Lock()
	s.Initializing = initializing
	s.ReadyModels = readyModels
	lm.mu.Unlock()

	if !initializing {
		lm.readyNotify.notifyAll()
	}
	if lm.hasReadyAndIdleLocked(endpointID) {
		lm.queueNotify.notifyAll()
	}
}

func (lm *LoadManager) hasReadyAndIdleLocked(endpointID uuid.UUID) bool {
	s, ok := lm.peekState(endpointID)
	if !ok {
		return true
	}
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return !s.Initializing && s.combinedActive() == 0
}

// RequestLease represents one in-flight request assigned to an endpoint.
// Go has no destructor, so unlike the reference implementation's
// Drop-triggered safety net, callers MUST explicitly complete every lease —
// typically via `defer` at the call site that obtained it — or its
// assigned_active slot leaks until process restart. See forwardLocal in
// proxy/local_route.go for the defer pattern used with it.
type RequestLease struct {
	lm         *LoadManager
	endpointID uuid.UUID
	startedAt  time.Time
	done       atomic.Bool
}

// EndpointID returns the endpoint this lease was issued against.
func (l *RequestLease) EndpointID() uuid.UUID { return l.endpointID }

// Elapsed returns the time since the lease was issued.
func (l *RequestLease) Elapsed() time.Duration { return time.Since(l.startedAt) }

// BeginRequest validates that endpointID is known, increments its assigned
// load counters, and returns a lease the caller must Complete exactly once.
func (lm *LoadManager) BeginRequest(endpointID uuid.UUID) (*RequestLease, error) {
	ep, ok := lm.registry.Get(endpointID)
	if !ok {
		return nil, ErrEndpointNotFound
	}

	s := lm.stateFor(endpointID)
	lm.mu.Lock()
	s.AssignedActive++
	if s.TotalAssigned < ^uint64(0) {
		s.TotalAssigned++
	}
	combined := s.combinedActive()
	lm.mu.Unlock()

	metrics.ActiveRequests.WithLabelValues(endpointID.String(), ep.Name).Set(float64(combined))

	return &RequestLease{lm: lm, endpointID: endpointID, startedAt: time.Now()}, nil
}

// Complete finishes the lease with outcome and the observed duration,
// safe to call at most once; subsequent calls are no-ops. Use this when no
// token accounting is available (e.g. a rejected or cancelled request).
func (l *RequestLease) Complete(outcome RequestOutcome, duration time.Duration) {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.lm.finishRequest(l.endpointID, outcome, duration)
}

// CompleteWithTokens finishes the lease like Complete, additionally folding
// token usage into the endpoint's running totals and the model's
// tokens-per-second EMA.
func (l *RequestLease) CompleteWithTokens(modelID string, outcome RequestOutcome, duration time.Duration, usage TokenUsage) {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.lm.finishRequestWithTokens(l.endpointID, modelID, outcome, duration, usage)
}

// CompleteIfPending finishes the lease as an error outcome if it was never
// explicitly completed. Call this via `defer` immediately after BeginRequest
// succeeds so a panicking or early-returning handler can't leak the
// endpoint's assigned_active slot permanently.
func (l *RequestLease) CompleteIfPending() {
	if l == nil {
		return
	}
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.lm.logger.Warn("request lease completed implicitly as error; caller did not call Complete", "endpoint_id", l.endpointID)
	l.lm.finishRequest(l.endpointID, OutcomeError, l.Elapsed())
}

func (lm *LoadManager) finishRequest(endpointID uuid.UUID, outcome RequestOutcome, duration time.Duration) {
	ep, ok := lm.registry.Get(endpointID)
	if !ok {
		return
	}
	s := lm.stateFor(endpointID)

	lm.mu.Lock()
	if outcome != OutcomeQueued {
		if s.AssignedActive > 0 {
			s.AssignedActive--
		}
		switch outcome {
		case OutcomeSuccess:
			s.SuccessCount++
		case OutcomeError:
			s.ErrorCount++
		}
		s.TotalLatencyMs += uint64(duration.Milliseconds())
	}
	lm.patchLastMetricsLocked(s)
	combined := s.combinedActive()
	becameIdle := combined == 0
	lm.mu.Unlock()

	metrics.ActiveRequests.WithLabelValues(endpointID.String(), ep.Name).Set(float64(combined))

	if becameIdle {
		lm.queueNotify.notifyAll()
	}
	lm.recordRequestHistory(outcome, time.Now())
}

func (lm *LoadManager) finishRequestWithTokens(endpointID uuid.UUID, modelID string, outcome RequestOutcome, duration time.Duration, usage TokenUsage) {
	ep, ok := lm.registry.Get(endpointID)
	if !ok {
		return
	}
	s := lm.stateFor(endpointID)

	lm.mu.Lock()
	if outcome != OutcomeQueued {
		if s.AssignedActive > 0 {
			s.AssignedActive--
		}
		switch outcome {
		case OutcomeSuccess:
			s.SuccessCount++
		case OutcomeError:
			s.ErrorCount++
		}
		s.TotalLatencyMs += uint64(duration.Milliseconds())
	}

	var inputTokens, outputTokens uint64
	if usage.InputTokens != nil {
		inputTokens = *usage.InputTokens
	}
	if usage.OutputTokens != nil {
		outputTokens = *usage.OutputTokens
	}
	totalTokens := inputTokens + outputTokens
	if usage.TotalTokens != nil {
		totalTokens = *usage.TotalTokens
	}
	s.TotalInputTokens += inputTokens
	s.TotalOutputTokens += outputTokens
	s.TotalTokens += totalTokens

	lm.patchLastMetricsLocked(s)
	combined := s.combinedActive()
	becameIdle := combined == 0
	lm.mu.Unlock()

	metrics.ActiveRequests.WithLabelValues(endpointID.String(), ep.Name).Set(float64(combined))

	if becameIdle {
		lm.queueNotify.notifyAll()
	}
	lm.recordRequestHistory(outcome, time.Now())

	if outcome == OutcomeSuccess && outputTokens > 0 {
		lm.updateTPS(endpointID, modelID, outputTokens, uint64(duration.Milliseconds()))
	}
}

// patchLastMetricsLocked recomputes the endpoint's average latency and
// reflects it into the last heartbeat snapshot (and the newest history
// point), so dashboards reading LastMetrics see a number that accounts for
// requests this process completed itself, not just the last heartbeat's
// self-reported average. Caller must hold lm.mu.
func (lm *LoadManager) patchLastMetricsLocked(s *EndpointLoadState) {
	avg := s.averageLatencyMs()
	if s.LastMetrics == nil || avg == nil {
		return
	}
	s.LastMetrics.AverageResponseTimeMs = avg
	if n := len(s.MetricsHistory); n > 0 {
		s.MetricsHistory[n-1].AverageResponseTimeMs = avg
	}
}

// updateTPS folds one completed generation's token count and duration into
// the (endpoint, model) EMA. A zero output-token count is a no-op: it isn't
// a genuine zero-throughput sample, just a response with no accounting.
func (lm *LoadManager) updateTPS(endpointID uuid.UUID, modelID string, outputTokens uint64, durationMs uint64) {
	if outputTokens == 0 {
		return
	}
	key := tpsKey{endpointID, modelID}
	lm.tpsMu.Lock()
	defer lm.tpsMu.Unlock()
	s, ok := lm.tpsTracker[key]
	if !ok {
		s = &ModelTpsState{}
		lm.tpsTracker[key] = s
	}
	s.updateTPS(outputTokens, durationMs)
	metrics.TokensPerSecond.WithLabelValues(endpointID.String(), modelID).Set(s.TpsEMA)
}

// TpsEMA returns the current tokens-per-second EMA for (endpointID,
// modelID), if any requests have completed for that pair.
func (lm *LoadManager) TpsEMA(endpointID uuid.UUID, modelID string) (float64, bool) {
	lm.tpsMu.Lock()
	defer lm.tpsMu.Unlock()
	s, ok := lm.tpsTracker[tpsKey{endpointID, modelID}]
	if !ok {
		return 0, false
	}
	return s.TpsEMA, true
}

// RecordMetrics ingests one heartbeat from an endpoint.
func (lm *LoadManager) RecordMetrics(ctx context.Context, update MetricsUpdate) error {
	if _, ok := lm.registry.Get(update.EndpointID); !ok {
		return ErrEndpointNotFound
	}

	if update.GPU != nil {
		gpu := model.GPUInfo{
			DeviceCount:       update.GPU.DeviceCount,
			MemoryTotalBytes:  update.GPU.MemoryTotalBytes,
			MemoryUsedBytes:   update.GPU.MemoryUsedBytes,
			CapabilityScore:   update.GPU.CapabilityScore,
			ModelName:         update.GPU.ModelName,
			ComputeCapability: update.GPU.ComputeCapability,
			TemperatureC:      update.GPU.TemperatureC,
		}
		if err := lm.registry.UpdateGPUInfo(ctx, update.EndpointID, gpu); err != nil {
			lm.logger.WithContext(ctx).Warn("failed to persist heartbeat GPU info", "endpoint_id", update.EndpointID, "error", err)
		}
	}

	s := lm.stateFor(update.EndpointID)

	lm.mu.Lock()
	wasIdle := s.combinedActive() == 0
	wasInitializing := s.Initializing

	derivedAverage := update.AverageResponseTimeMs
	if derivedAverage == nil {
		derivedAverage = s.averageLatencyMs()
	}

	var gpuUsage, gpuMemUsage *float32
	if update.GPU != nil {
		gpuUsage = update.GPU.UsagePercent
		gpuMemUsage = update.GPU.MemoryUsagePercent
	}

	metrics := HealthMetrics{
		ReceivedAt:            time.Now(),
		ActiveRequests:        update.ActiveRequests,
		AverageResponseTimeMs: derivedAverage,
		GPUUsagePercent:       gpuUsage,
		GPUMemoryUsagePercent: gpuMemUsage,
	}
	s.LastMetrics = &metrics
	s.pushMetrics(metrics)
	s.Initializing = update.Initializing
	s.ReadyModels = update.ReadyModels

	nowIdle := s.combinedActive() == 0
	becameReady := wasInitializing && !update.Initializing
	lm.mu.Unlock()

	if !update.Initializing {
		lm.readyNotify.notifyAll()
	}
	if (wasInitializing && !update.Initializing && nowIdle) || (!wasIdle && nowIdle) || becameReady && nowIdle {
		lm.queueNotify.notifyAll()
	}

	return nil
}
