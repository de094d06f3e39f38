// Command server boots the LLM load balancer: it loads configuration, opens
// the SQLite databases, wires the registry/balancer/history/audit layers and
// the three cloud adapters, mounts the HTTP surface, seeds any statically
// declared endpoints, and serves until told to shut down.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/httpapi"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/proxy"
	"github.com/llmlb/llmlb/internal/proxy/cloud"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/storage"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat)).WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbs, err := storage.Open(ctx, storage.Options{
		DataDir:      cfg.DataDir,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}, log)
	if err != nil {
		log.LogError(ctx, err, "failed to open databases")
		os.Exit(1)
	}
	defer dbs.Close()

	reg, err := registry.New(ctx, dbs.Main, log)
	if err != nil {
		log.LogError(ctx, err, "failed to start registry")
		os.Exit(1)
	}

	lm := balancer.New(reg, log)

	histStore := history.NewStore(dbs.Main, history.Config{
		WorkerPoolSize: cfg.HistoryWorkerPoolSize,
		BufferSize:     cfg.HistoryBufferSize,
	}, log)
	defer func() { histStore.Shutdown(context.Background()) }()

	auditStore := audit.NewStore(dbs.Main, dbs.Archive)
	auditSvc := audit.NewService(auditStore, audit.Config{
		BufferSize:    cfg.HistoryBufferSize,
		BatchInterval: cfg.AuditBatchInterval,
		BatchSize:     cfg.AuditBatchSize,
	}, log)
	defer func() { auditSvc.Shutdown(context.Background()) }()

	if cfg.Endpoints != nil {
		seedEndpoints(ctx, reg, lm, cfg.Endpoints, log)
	}

	cloudHTTPClient := &http.Client{Timeout: time.Duration(cfg.CloudRequestTimeoutSecs) * time.Second}
	adapters := map[cloud.Provider]cloud.Adapter{
		cloud.ProviderOpenAI:    &cloud.OpenAIAdapter{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Client: cloudHTTPClient},
		cloud.ProviderGoogle:    &cloud.GoogleAdapter{APIKey: cfg.GoogleAPIKey, BaseURL: cfg.GoogleAPIBaseURL, Client: cloudHTTPClient},
		cloud.ProviderAnthropic: &cloud.AnthropicAdapter{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL, Client: cloudHTTPClient},
	}

	localHTTPClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.ProxyMaxIdleConns,
			MaxIdleConnsPerHost: cfg.ProxyMaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.ProxyMaxConnsPerHost,
			IdleConnTimeout:     time.Duration(cfg.ProxyIdleConnTimeout) * time.Second,
		},
	}

	maxWaiters := cfg.MaxWaiters
	queueTimeoutSecs := cfg.QueueTimeoutSecs
	if cfg.Endpoints != nil {
		if cfg.Endpoints.Queue.MaxWaiters > 0 {
			maxWaiters = cfg.Endpoints.Queue.MaxWaiters
		}
		if cfg.Endpoints.Queue.QueueTimeoutSecs > 0 {
			queueTimeoutSecs = cfg.Endpoints.Queue.QueueTimeoutSecs
		}
	}

	engine := proxy.New(reg, lm, histStore, auditSvc, adapters, localHTTPClient, log, proxy.Config{
		MaxWaiters:            maxWaiters,
		QueueTimeout:          time.Duration(queueTimeoutSecs) * time.Second,
		DefaultEmbeddingModel: cfg.DefaultEmbeddingModel,
	})

	ginEngine := httpapi.New(httpapi.Router{
		Engine:     engine,
		Registry:   reg,
		Balancer:   lm,
		AuditStore: auditStore,
		Logger:     log,
	}, cfg.CORSAllowedOrigins)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginEngine,
	}

	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(ctx, err, "server stopped unexpectedly")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(shutdownCtx, err, "error during server shutdown")
	}
	log.Info("server stopped")
}

// seedEndpoints registers every endpoint declared in endpoints.yaml that the
// registry doesn't already know about, so a restart doesn't duplicate the
// static seed list registered on a prior boot.
func seedEndpoints(ctx context.Context, reg *registry.Registry, lm *balancer.LoadManager, endpoints *config.EndpointsConfig, log *logger.Logger) {
	existing := make(map[string]struct{})
	for _, ep := range reg.ListIncludingRemoved() {
		existing[ep.Name] = struct{}{}
	}

	for _, seed := range endpoints.Endpoints {
		if _, ok := existing[seed.Name]; ok {
			continue
		}

		kind := model.EndpointKindOpenAICompatible
		if seed.Kind == string(model.EndpointKindOther) {
			kind = model.EndpointKindOther
		}

		models := make([]model.EndpointModel, 0, len(seed.Models))
		for _, m := range seed.Models {
			caps := make([]model.Capability, 0, len(m.Capabilities))
			for _, c := range m.Capabilities {
				caps = append(caps, model.Capability(c))
			}
			models = append(models, model.EndpointModel{
				ModelID:       m.ID,
				Capabilities:  caps,
				MaxTokens:     m.MaxTokens,
				SupportedAPIs: []model.SupportedAPI{model.SupportedAPIChatCompletions},
			})
		}

		id, err := reg.Add(ctx, model.Endpoint{
			Name:                 seed.Name,
			BaseURL:              seed.BaseURL,
			Kind:                 kind,
			Status:               model.EndpointStatusOffline,
			SupportsResponsesAPI: seed.SupportsResponsesAPI,
		}, models)
		if err != nil {
			log.LogError(ctx, err, "failed to seed endpoint", "name", seed.Name)
			continue
		}

		readyModels := [2]uint8{0, uint8(len(models))}
		lm.UpsertInitialState(id, true, &readyModels)
		log.Info("seeded endpoint", "name", seed.Name, "id", id, "models", len(models))
	}
}
