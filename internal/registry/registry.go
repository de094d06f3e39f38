// Package registry implements the Endpoint Registry: the persisted source of
// truth for which endpoints exist, which models they serve, their health,
// and their GPU fingerprint. The balancer package layers in-memory load
// state on top of the identity this package owns, mirroring how the
// original implementation treats endpoint_registry.get/list_online/
// find_by_model as the persisted base the load manager consults.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/model"
)

// ErrNotFound is returned when an endpoint id is unknown to the registry.
var ErrNotFound = fmt.Errorf("endpoint not found")

// Registry owns the endpoints table and their model sets. Reads are served
// from an in-memory cache kept consistent with the database under a single
// RWMutex; writes go to the database first and are mirrored into the cache
// only on success, so the cache never observes a write the database rejected.
type Registry struct {
	db     *sql.DB
	logger *logger.Logger

	mu        sync.RWMutex
	endpoints map[uuid.UUID]model.Endpoint
	models    map[uuid.UUID][]model.EndpointModel

	latencyMu  sync.Mutex
	latencyEMA map[uuid.UUID]float64
}

// New constructs a Registry and loads the current endpoint set from db into
// the in-memory cache.
func New(ctx context.Context, db *sql.DB, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		db:        db,
		logger:    log.WithComponent("registry"),
		endpoints:  make(map[uuid.UUID]model.Endpoint),
		models:     make(map[uuid.UUID][]model.EndpointModel),
		latencyEMA: make(map[uuid.UUID]float64),
	}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Add registers a new endpoint with its declared models, or — if an
// endpoint with the same name already exists — updates that endpoint's
// mutable fields in place (idempotent re-add).
func (r *Registry) Add(ctx context.Context, ep model.Endpoint, models []model.EndpointModel) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.endpoints {
		if existing.Name == ep.Name && existing.RemovedAt == nil {
			ep.ID = id
			ep.CreatedAt = existing.CreatedAt
			if err := r.upsertLocked(ctx, ep, models); err != nil {
				return uuid.Nil, err
			}
			return id, nil
		}
	}

	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	ep.CreatedAt = time.Now().UTC()
	if ep.Status == "" {
		ep.Status = model.EndpointStatusPending
	}

	if err := r.upsertLocked(ctx, ep, models); err != nil {
		return uuid.Nil, err
	}
	return ep.ID, nil
}

func (r *Registry) upsertLocked(ctx context.Context, ep model.Endpoint, models []model.EndpointModel) error {
	if err := upsertEndpoint(ctx, r.db, ep); err != nil {
		return fmt.Errorf("persist endpoint: %w", err)
	}
	for _, m := range models {
		m.EndpointID = ep.ID
		if m.LastChecked.IsZero() {
			m.LastChecked = time.Now().UTC()
		}
		if err := upsertEndpointModel(ctx, r.db, m); err != nil {
			return fmt.Errorf("persist endpoint model %s: %w", m.ModelID, err)
		}
	}

	r.endpoints[ep.ID] = ep
	if models != nil {
		r.models[ep.ID] = models
	}
	return nil
}

// Get returns the endpoint by id, if known and not removed.
func (r *Registry) Get(id uuid.UUID) (model.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok || ep.IsRemoved() {
		return model.Endpoint{}, false
	}
	return ep, true
}

// List returns every non-removed endpoint.
func (r *Registry) List() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if !ep.IsRemoved() {
			out = append(out, ep)
		}
	}
	return out
}

// ListIncludingRemoved returns every endpoint, including soft-deleted ones —
// used by audit/history joins that reference an endpoint id that has since
// been removed.
func (r *Registry) ListIncludingRemoved() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// ListOnline returns endpoints with status == Online.
func (r *Registry) ListOnline() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if !ep.IsRemoved() && ep.Status == model.EndpointStatusOnline {
			out = append(out, ep)
		}
	}
	return out
}

// FindByModel returns non-removed endpoints, whatever their status, whose
// EndpointModel set advertises modelID.
func (r *Registry) FindByModel(modelID string) []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Endpoint
	for id, ep := range r.endpoints {
		if ep.IsRemoved() {
			continue
		}
		for _, m := range r.models[id] {
			if m.ModelID == modelID {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

// ListModels returns the advertised EndpointModel set for endpointID, or
// ErrNotFound if the endpoint is unknown.
func (r *Registry) ListModels(endpointID uuid.UUID) ([]model.EndpointModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.endpoints[endpointID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.EndpointModel(nil), r.models[endpointID]...), nil
}

// AllModels returns every advertised (endpoint, model) pair across the
// registry, used by the /v1/models listing.
func (r *Registry) AllModels() map[uuid.UUID][]model.EndpointModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uuid.UUID][]model.EndpointModel, len(r.models))
	for id, ms := range r.models {
		out[id] = append([]model.EndpointModel(nil), ms...)
	}
	return out
}

// UpdateStatus changes an endpoint's lifecycle status.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, status model.EndpointStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = status
	now := time.Now().UTC()
	ep.LastSeenAt = &now

	if err := upsertEndpoint(ctx, r.db, ep); err != nil {
		return fmt.Errorf("persist status update: %w", err)
	}
	r.endpoints[id] = ep
	return nil
}

// UpdateGPUInfo folds a heartbeat's GPU fields into the endpoint record.
// Mirrors the original's update_gpu_info: called from the load manager's
// metrics-ingest path, failures are logged and never propagated to the hot path.
func (r *Registry) UpdateGPUInfo(ctx context.Context, id uuid.UUID, gpu model.GPUInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.GPU = gpu
	now := time.Now().UTC()
	ep.LastSeenAt = &now

	if err := upsertEndpoint(ctx, r.db, ep); err != nil {
		return fmt.Errorf("persist GPU info: %w", err)
	}
	r.endpoints[id] = ep
	return nil
}

const latencyEMAAlpha = 0.2

// UpdateInferenceLatency folds a completed request's latency into a
// dashboard-facing EMA, kept separately from the load manager's hot-path
// counters: spec.md is explicit that latency never participates in endpoint
// selection, only in dashboards and tie-breaking. Fire-and-forget from the
// hot path: callers log failures and never let them fail the user request.
func (r *Registry) UpdateInferenceLatency(id uuid.UUID, ms float64) {
	if _, ok := r.Get(id); !ok {
		r.logger.Debug("update_inference_latency on unknown endpoint", "endpoint_id", id)
		return
	}
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	if prev, ok := r.latencyEMA[id]; ok {
		r.latencyEMA[id] = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*prev
	} else {
		r.latencyEMA[id] = ms
	}
}

// InferenceLatencyEMA returns the current dashboard-facing latency EMA, if any.
func (r *Registry) InferenceLatencyEMA(id uuid.UUID) (float64, bool) {
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	v, ok := r.latencyEMA[id]
	return v, ok
}

// Remove soft-deletes an endpoint: it remains queryable via
// ListIncludingRemoved for audit/history joins but no longer appears in
// List/ListOnline/FindByModel.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	ep.RemovedAt = &now

	if err := upsertEndpoint(ctx, r.db, ep); err != nil {
		return fmt.Errorf("persist removal: %w", err)
	}
	r.endpoints[id] = ep
	return nil
}

func (r *Registry) reload(ctx context.Context) error {
	endpoints, err := loadEndpoints(ctx, r.db)
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}
	models, err := loadEndpointModels(ctx, r.db)
	if err != nil {
		return fmt.Errorf("load endpoint models: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = endpoints
	r.models = models
	return nil
}
