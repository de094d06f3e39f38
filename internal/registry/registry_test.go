package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/storage"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	ctx := context.Background()
	log := logger.New(logger.FromConfig("error", "text"))

	dbs, err := storage.Open(ctx, storage.Options{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	reg, err := registry.New(ctx, dbs.Main, log)
	require.NoError(t, err)
	return reg
}

func TestRegistryAddAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, model.Endpoint{
		Name:    "worker-1",
		BaseURL: "http://10.0.0.1:8000",
		Kind:    model.EndpointKindOpenAICompatible,
		Status:  model.EndpointStatusOnline,
	}, []model.EndpointModel{
		{ModelID: "llama-3-8b", Capabilities: []model.Capability{model.CapabilityTextGeneration}},
	})
	require.NoError(t, err)

	ep, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "worker-1", ep.Name)
	assert.Equal(t, model.EndpointStatusOnline, ep.Status)

	models, err := reg.ListModels(id)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama-3-8b", models[0].ModelID)
}

func TestRegistryAddIsIdempotentByName(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id1, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://a", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	id2, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://b", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "re-adding an endpoint with the same name must update it in place, not duplicate it")

	ep, ok := reg.Get(id1)
	require.True(t, ok)
	assert.Equal(t, "http://b", ep.BaseURL)
}

func TestRegistryFindByModel(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	idA, err := reg.Add(ctx, model.Endpoint{Name: "a", BaseURL: "http://a", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "shared-model"}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, model.Endpoint{Name: "b", BaseURL: "http://b", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "other-model"}})
	require.NoError(t, err)

	found := reg.FindByModel("shared-model")
	require.Len(t, found, 1)
	assert.Equal(t, idA, found[0].ID)

	assert.Empty(t, reg.FindByModel("nonexistent-model"))
}

func TestRegistryRemoveSoftDeletes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://a", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, id))

	_, ok := reg.Get(id)
	assert.False(t, ok, "a removed endpoint must not be visible via Get")

	found := false
	for _, ep := range reg.ListIncludingRemoved() {
		if ep.ID == id {
			found = true
			assert.True(t, ep.IsRemoved())
		}
	}
	assert.True(t, found, "ListIncludingRemoved must still return soft-deleted endpoints")

	assert.Empty(t, reg.List())
}

func TestRegistryUpdateStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://a", Status: model.EndpointStatusPending},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateStatus(ctx, id, model.EndpointStatusOnline))

	ep, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.EndpointStatusOnline, ep.Status)
	assert.NotNil(t, ep.LastSeenAt)
}

func TestRegistryInferenceLatencyEMA(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://a", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	_, ok := reg.InferenceLatencyEMA(id)
	assert.False(t, ok, "no latency sample recorded yet")

	reg.UpdateInferenceLatency(id, 100)
	ema, ok := reg.InferenceLatencyEMA(id)
	require.True(t, ok)
	assert.Equal(t, 100.0, ema)

	reg.UpdateInferenceLatency(id, 200)
	ema, ok = reg.InferenceLatencyEMA(id)
	require.True(t, ok)
	assert.InDelta(t, 120.0, ema, 0.001, "EMA must weight the new sample by the 0.2 alpha")
}
