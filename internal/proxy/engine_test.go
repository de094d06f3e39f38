package proxy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/proxy"
	"github.com/llmlb/llmlb/internal/proxy/cloud"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testHarness struct {
	engine   *proxy.Engine
	registry *registry.Registry
	balancer *balancer.LoadManager
	history  *history.Store
	audit    *audit.Service
}

func newHarness(t *testing.T, adapters map[cloud.Provider]cloud.Adapter) *testHarness {
	t.Helper()
	ctx := context.Background()
	log := logger.New(logger.FromConfig("error", "text"))

	dbs, err := storage.Open(ctx, storage.Options{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	reg, err := registry.New(ctx, dbs.Main, log)
	require.NoError(t, err)

	lm := balancer.New(reg, log)
	hist := history.NewStore(dbs.Main, history.Config{WorkerPoolSize: 1, BufferSize: 16}, log)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hist.Shutdown(shutdownCtx)
	})

	auditStore := audit.NewStore(dbs.Main, dbs.Archive)
	auditSvc := audit.NewService(auditStore, audit.Config{BufferSize: 16, BatchInterval: time.Hour, BatchSize: 500}, log)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		auditSvc.Shutdown(shutdownCtx)
	})

	if adapters == nil {
		adapters = map[cloud.Provider]cloud.Adapter{}
	}

	eng := proxy.New(reg, lm, hist, auditSvc, adapters, http.DefaultClient, log, proxy.Config{
		MaxWaiters:   8,
		QueueTimeout: 200 * time.Millisecond,
	})

	return &testHarness{engine: eng, registry: reg, balancer: lm, history: hist, audit: auditSvc}
}

// addOnlineEndpoint registers an endpoint serving modelID and marks it ready
// and idle in the balancer, mirroring a worker that has already heartbeated.
func (h *testHarness) addOnlineEndpoint(t *testing.T, baseURL, modelID string, caps ...model.Capability) model.Endpoint {
	t.Helper()
	if len(caps) == 0 {
		caps = []model.Capability{model.CapabilityTextGeneration}
	}
	id, err := h.registry.Add(context.Background(), model.Endpoint{
		Name:    baseURL,
		BaseURL: baseURL,
		Kind:    model.EndpointKindOpenAICompatible,
		Status:  model.EndpointStatusOnline,
	}, []model.EndpointModel{{ModelID: modelID, Capabilities: caps}})
	require.NoError(t, err)

	h.balancer.UpsertInitialState(id, false, &[2]uint8{1, 1})

	ep, ok := h.registry.Get(id)
	require.True(t, ok)
	return ep
}

func doRequest(e *proxy.Engine, reqType history.RequestType, body map[string]interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(raw))
	c.Request.Header.Set("Content-Type", "application/json")
	e.Route(c, reqType)
	return w
}

func TestRouteForwardsToIdleLocalEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer upstream.Close()

	h := newHarness(t, nil)
	h.addOnlineEndpoint(t, upstream.URL, "llama-3-8b")

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "llama-3-8b",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-1")
}

func TestRouteReturns404ForUnknownModel(t *testing.T) {
	h := newHarness(t, nil)

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "does-not-exist",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body apierr.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "model_not_found", body.Error.Code)
}

func TestRouteReturns503WhenModelKnownButNoEndpointOnline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// The endpoint advertises the model (so it's "known") but is still
	// initializing, so it can't be selected as a capable node yet.
	id, err := h.registry.Add(ctx, model.Endpoint{
		Name: "initializing-1", BaseURL: "http://127.0.0.1:1", Status: model.EndpointStatusOnline,
	}, []model.EndpointModel{{ModelID: "llama-3-8b", Capabilities: []model.Capability{model.CapabilityTextGeneration}}})
	require.NoError(t, err)
	h.balancer.UpsertInitialState(id, true, &[2]uint8{0, 1})

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "llama-3-8b",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body apierr.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "no_capable_nodes", body.Error.Code)
}

func TestRouteRejectsImageContentOnChatCompletions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called when image content is rejected up front")
	}))
	defer upstream.Close()

	h := newHarness(t, nil)
	h.addOnlineEndpoint(t, upstream.URL, "llama-3-8b")

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model": "llama-3-8b",
		"messages": []interface{}{map[string]interface{}{
			"role": "user",
			"content": []interface{}{
				map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "data:image/png;base64,aGVsbG8="}},
			},
		}},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteRejectsCapabilityMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.addOnlineEndpoint(t, "http://127.0.0.1:1", "embed-only", model.CapabilityEmbeddings)

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "embed-only",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeCloudAdapter struct {
	provider cloud.Provider
	status   int
	body     string
}

func (f *fakeCloudAdapter) Provider() cloud.Provider { return f.provider }

func (f *fakeCloudAdapter) Forward(ctx context.Context, req cloud.Request) (*cloud.Response, error) {
	return &cloud.Response{
		StatusCode: f.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(f.body))),
	}, nil
}

func TestRouteSendsCloudPrefixedModelToCloudAdapter(t *testing.T) {
	adapter := &fakeCloudAdapter{
		provider: cloud.ProviderOpenAI,
		status:   http.StatusOK,
		body:     `{"id":"chatcmpl-cloud","choices":[]}`,
	}
	h := newHarness(t, map[cloud.Provider]cloud.Adapter{cloud.ProviderOpenAI: adapter})

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "openai:gpt-4o-mini",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-cloud")
}

func TestRouteQueuesWhenNoIdleEndpointThenTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.registry.Add(ctx, model.Endpoint{
		Name: "busy-1", BaseURL: "http://127.0.0.1:1", Status: model.EndpointStatusOnline,
	}, []model.EndpointModel{{ModelID: "llama-3-8b", Capabilities: []model.Capability{model.CapabilityTextGeneration}}})
	require.NoError(t, err)
	h.balancer.UpsertInitialState(id, false, &[2]uint8{1, 1})

	lease, err := h.balancer.BeginRequest(id)
	require.NoError(t, err)
	defer lease.CompleteIfPending()

	w := doRequest(h.engine, history.RequestTypeChat, map[string]interface{}{
		"model":    "llama-3-8b",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})

	assert.Equal(t, http.StatusGatewayTimeout, w.Code, "with the sole capable endpoint busy the whole queue timeout, routing must time out rather than hang")
}
