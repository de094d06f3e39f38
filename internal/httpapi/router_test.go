package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/httpapi"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/proxy"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *balancer.LoadManager, *audit.Store) {
	t.Helper()
	ctx := context.Background()
	log := logger.New(logger.FromConfig("error", "text"))

	dbs, err := storage.Open(ctx, storage.Options{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	reg, err := registry.New(ctx, dbs.Main, log)
	require.NoError(t, err)
	lm := balancer.New(reg, log)
	auditStore := audit.NewStore(dbs.Main, dbs.Archive)

	engine := httpapi.New(httpapi.Router{
		Engine:     &proxy.Engine{},
		Registry:   reg,
		Balancer:   lm,
		AuditStore: auditStore,
		Logger:     log,
	}, "")
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, reg, lm, auditStore
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterHeartbeatAndListModels(t *testing.T) {
	srv, _, lm, _ := newTestServer(t)

	registerBody, _ := json.Marshal(map[string]interface{}{
		"name":     "worker-1",
		"base_url": "http://10.0.0.5:8000",
		"models": []map[string]interface{}{
			{"id": "llama-3-8b", "capabilities": []string{"text_generation"}},
		},
	})
	resp, err := http.Post(srv.URL+"/internal/endpoints", "application/json", bytes.NewReader(registerBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	listResp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	var listed struct {
		Data []struct {
			ID    string `json:"id"`
			Ready bool   `json:"ready"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.Len(t, listed.Data, 1)
	assert.Equal(t, "llama-3-8b", listed.Data[0].ID)
	assert.True(t, listed.Data[0].Ready, "registerEndpoint marks the endpoint non-initializing immediately")

	heartbeatBody, _ := json.Marshal(map[string]interface{}{
		"active_requests":          0,
		"average_response_time_ms": 120.0,
		"initializing":             false,
		"ready_models":             [2]int{1, 1},
	})
	hbResp, err := http.Post(srv.URL+"/internal/endpoints/"+created.ID+"/heartbeat", "application/json", bytes.NewReader(heartbeatBody))
	require.NoError(t, err)
	defer hbResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, hbResp.StatusCode)

	assert.Eventually(t, func() bool {
		return lm.HasIdleNodesForModel("llama-3-8b")
	}, time.Second, 10*time.Millisecond, "endpoint must be idle after a non-initializing heartbeat")
}

func TestGetModelNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/models/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveEndpoint(t *testing.T) {
	srv, reg, _, _ := newTestServer(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, model.Endpoint{Name: "worker-1", BaseURL: "http://a", Status: model.EndpointStatusOnline},
		[]model.EndpointModel{{ModelID: "m1"}})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/internal/endpoints/"+id.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := reg.Get(id)
	assert.False(t, ok)
}

func TestAuditSearchAndStats(t *testing.T) {
	srv, _, _, auditStore := newTestServer(t)
	ctx := context.Background()

	inTok, outTok := int64(3), int64(4)
	_, err := auditStore.InsertEntry(ctx, audit.Entry{
		Timestamp: time.Now().UTC(), HTTPMethod: "POST", RequestPath: "/v1/chat/completions", StatusCode: 200,
		ActorType: audit.ActorAPIKey, ActorUsername: "alice", ModelName: "llama-3-8b",
		InputTokens: &inTok, OutputTokens: &outTok,
	})
	require.NoError(t, err)

	searchResp, err := http.Get(srv.URL + "/internal/audit/search?q=completions")
	require.NoError(t, err)
	defer searchResp.Body.Close()
	assert.Equal(t, http.StatusOK, searchResp.StatusCode)

	var searched struct {
		Data  []struct{ RequestPath string } `json:"data"`
		Total int64                          `json:"total"`
	}
	require.NoError(t, json.NewDecoder(searchResp.Body).Decode(&searched))
	require.Len(t, searched.Data, 1)
	assert.Equal(t, "/v1/chat/completions", searched.Data[0].RequestPath)
	assert.Equal(t, int64(1), searched.Total)

	statsResp, err := http.Get(srv.URL + "/internal/audit/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	assert.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats audit.TokenStatistics
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, int64(3), stats.TotalInputTokens)
	assert.Equal(t, int64(4), stats.TotalOutputTokens)
	assert.Equal(t, int64(7), stats.TotalTokens)
}
