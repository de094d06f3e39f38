// Package proxy implements the Proxy Engine: the routing decision tree that
// turns one inbound OpenAI-compatible HTTP request into either a cloud
// adapter call or a forward to a selected local endpoint, and the plumbing
// shared by both paths (lease lifecycle, history, audit, latency feedback).
package proxy

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/proxy/cloud"
	"github.com/llmlb/llmlb/internal/registry"
)

// cloudEndpointNamespace seeds the deterministic per-provider virtual
// endpoint ids so every cloud-routed request against the same provider
// produces history/audit rows against the same synthetic endpoint.
var cloudEndpointNamespace = uuid.MustParse("6f1b3f2e-6e0a-4c9a-9c1d-2b9c6f5a7a10")

// cloudEndpointSentinelHost is the placeholder base URL recorded for virtual
// cloud endpoints. Downstream dashboards must treat this as a sentinel, not
// a literal address — see DESIGN.md's Open Question on this.
const cloudEndpointSentinelHost = "0.0.0.0"

// CloudEndpointID returns the stable synthetic endpoint id used for history
// and audit rows produced by cloud-routed requests against p.
func CloudEndpointID(p cloud.Provider) uuid.UUID {
	return uuid.NewSHA1(cloudEndpointNamespace, []byte(p))
}

// Config tunes the Engine's admission/queueing and embeddings defaults.
type Config struct {
	MaxWaiters            int
	QueueTimeout          time.Duration
	DefaultEmbeddingModel string
}

// Engine wires the Load Manager, Endpoint Registry, cloud adapters, and the
// async history/audit writers into the single routing decision tree
// described by the HTTP surface.
type Engine struct {
	Registry *registry.Registry
	Balancer *balancer.LoadManager
	History  *history.Store
	Audit    *audit.Service
	Cloud    map[cloud.Provider]cloud.Adapter

	HTTPClient *http.Client
	Logger     *logger.Logger
	Config     Config
}

// New constructs an Engine. httpClient is used for every forward to a local
// endpoint; cloud adapters bring their own clients (typically configured
// with a longer, provider-appropriate timeout).
func New(reg *registry.Registry, lm *balancer.LoadManager, hist *history.Store, auditSvc *audit.Service, adapters map[cloud.Provider]cloud.Adapter, httpClient *http.Client, log *logger.Logger, cfg Config) *Engine {
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = 64
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	if cfg.DefaultEmbeddingModel == "" {
		cfg.DefaultEmbeddingModel = "text-embedding-3-small"
	}
	return &Engine{
		Registry:   reg,
		Balancer:   lm,
		History:    hist,
		Audit:      auditSvc,
		Cloud:      adapters,
		HTTPClient: httpClient,
		Logger:     log.WithComponent("proxy"),
		Config:     cfg,
	}
}
