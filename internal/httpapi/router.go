// Package httpapi wires the gin routes for the OpenAI-compatible proxy
// surface, the Prometheus scrape endpoint, and the small internal surface
// endpoints use to register themselves and report heartbeats.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/proxy"
	"github.com/llmlb/llmlb/internal/registry"
)

// Router owns the gin.Engine and the dependencies its handlers call into.
type Router struct {
	Engine     *proxy.Engine
	Registry   *registry.Registry
	Balancer   *balancer.LoadManager
	AuditStore *audit.Store
	Logger     *logger.Logger
}

// New builds the gin.Engine with every route mounted.
func New(r Router, corsOrigins string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(r.Logger))
	engine.Use(corsMiddleware(corsOrigins))

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	v1 := engine.Group("/v1")
	{
		v1.POST("/chat/completions", func(c *gin.Context) { r.Engine.Route(c, history.RequestTypeChat) })
		v1.POST("/completions", func(c *gin.Context) { r.Engine.Route(c, history.RequestTypeGenerate) })
		v1.POST("/embeddings", func(c *gin.Context) { r.Engine.Route(c, history.RequestTypeEmbeddings) })
		v1.GET("/models", r.listModels)
		v1.GET("/models/:id", r.getModel)
	}

	internal := engine.Group("/internal/endpoints")
	{
		internal.POST("", r.registerEndpoint)
		internal.POST("/:id/heartbeat", r.heartbeat)
		internal.DELETE("/:id", r.removeEndpoint)
	}

	engine.GET("/internal/audit/search", r.searchAudit)
	engine.GET("/internal/audit/stats", r.tokenStats)

	return engine
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := []string{"*"}
	if allowedOrigins != "" {
		origins = strings.Split(allowedOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
	})

	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			log.Debug("handled request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}
