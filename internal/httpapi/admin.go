package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/model"
)

type modelSeedBody struct {
	ID            string   `json:"id" binding:"required"`
	Capabilities  []string `json:"capabilities"`
	MaxTokens     *int     `json:"max_tokens"`
	SupportedAPIs []string `json:"supported_apis"`
}

type registerEndpointBody struct {
	Name                 string          `json:"name" binding:"required"`
	BaseURL              string          `json:"base_url" binding:"required"`
	Kind                 string          `json:"kind"`
	SupportsResponsesAPI bool            `json:"supports_responses_api"`
	Models               []modelSeedBody `json:"models"`
}

// registerEndpoint is the callback a local inference server uses to join
// the pool (the "registry API" spec.md's data model refers to alongside the
// health loop as what mutates an Endpoint after creation).
func (r Router) registerEndpoint(c *gin.Context) {
	var body registerEndpointBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, err.Error()))
		return
	}

	kind := model.EndpointKindOpenAICompatible
	if body.Kind == string(model.EndpointKindOther) {
		kind = model.EndpointKindOther
	}

	models := make([]model.EndpointModel, 0, len(body.Models))
	for _, m := range body.Models {
		caps := make([]model.Capability, 0, len(m.Capabilities))
		for _, cs := range m.Capabilities {
			caps = append(caps, model.Capability(cs))
		}
		apis := make([]model.SupportedAPI, 0, len(m.SupportedAPIs))
		for _, a := range m.SupportedAPIs {
			apis = append(apis, model.SupportedAPI(a))
		}
		if len(apis) == 0 {
			apis = []model.SupportedAPI{model.SupportedAPIChatCompletions}
		}
		models = append(models, model.EndpointModel{
			ModelID:       m.ID,
			Capabilities:  caps,
			MaxTokens:     m.MaxTokens,
			SupportedAPIs: apis,
		})
	}

	id, err := r.Registry.Add(c.Request.Context(), model.Endpoint{
		Name:                 body.Name,
		BaseURL:              body.BaseURL,
		Kind:                 kind,
		Status:               model.EndpointStatusOnline,
		SupportsResponsesAPI: body.SupportsResponsesAPI,
	}, models)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
		return
	}

	readyModels := [2]uint8{uint8(len(models)), uint8(len(models))}
	r.Balancer.UpsertInitialState(id, false, &readyModels)

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type gpuHeartbeatBody struct {
	DeviceCount        *int     `json:"device_count"`
	MemoryTotalBytes   *uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes    *uint64  `json:"memory_used_bytes"`
	CapabilityScore    *float32 `json:"capability_score"`
	ModelName          *string  `json:"model_name"`
	ComputeCapability  *string  `json:"compute_capability"`
	TemperatureC       *float32 `json:"temperature_c"`
	UsagePercent       *float32 `json:"usage_percent"`
	MemoryUsagePercent *float32 `json:"memory_usage_percent"`
}

type heartbeatBody struct {
	ActiveRequests        *uint32           `json:"active_requests"`
	AverageResponseTimeMs *float64          `json:"average_response_time_ms"`
	Initializing          bool              `json:"initializing"`
	ReadyModels           *[2]uint8         `json:"ready_models"`
	GPU                   *gpuHeartbeatBody `json:"gpu"`
}

func (r Router) heartbeat(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, "invalid endpoint id"))
		return
	}

	var body heartbeatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, err.Error()))
		return
	}

	update := balancer.MetricsUpdate{
		EndpointID:            id,
		ActiveRequests:        body.ActiveRequests,
		AverageResponseTimeMs: body.AverageResponseTimeMs,
		Initializing:          body.Initializing,
		ReadyModels:           body.ReadyModels,
	}
	if body.GPU != nil {
		update.GPU = &balancer.GPUHeartbeat{
			DeviceCount:        body.GPU.DeviceCount,
			MemoryTotalBytes:   body.GPU.MemoryTotalBytes,
			MemoryUsedBytes:    body.GPU.MemoryUsedBytes,
			CapabilityScore:    body.GPU.CapabilityScore,
			ModelName:          body.GPU.ModelName,
			ComputeCapability:  body.GPU.ComputeCapability,
			TemperatureC:       body.GPU.TemperatureC,
			UsagePercent:       body.GPU.UsagePercent,
			MemoryUsagePercent: body.GPU.MemoryUsagePercent,
		}
	}

	if err := r.Balancer.RecordMetrics(c.Request.Context(), update); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, apierr.New(apierr.TypeInvalidRequest, http.StatusNotFound, "unknown endpoint"))
		return
	}
	if err := r.Registry.UpdateStatus(c.Request.Context(), id, model.EndpointStatusOnline); err != nil {
		r.Logger.Warn("failed to mark endpoint online after heartbeat", "endpoint_id", id, "error", err)
	}

	c.Status(http.StatusNoContent)
}

// searchAudit exposes the FTS5 index the audit insert/delete triggers keep
// current, so an operator can look up who hit a given path or actor without
// reading the sqlite file directly.
func (r Router) searchAudit(c *gin.Context) {
	query := c.Query("q")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	entries, err := r.AuditStore.SearchEntries(c.Request.Context(), query, limit, offset)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
		return
	}
	total, err := r.AuditStore.CountSearchResults(c.Request.Context(), query)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries, "total": total})
}

// tokenStats reports the audited token-usage rollup, optionally grouped by
// model, day (?days=N), or month (?months=N). With no grouping query param
// it reports the all-time total.
func (r Router) tokenStats(c *gin.Context) {
	ctx := c.Request.Context()

	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, "days must be a positive integer"))
			return
		}
		stats, err := r.AuditStore.DailyTokenStatistics(ctx, days)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": stats})
		return
	}

	if raw := c.Query("months"); raw != "" {
		months, err := strconv.Atoi(raw)
		if err != nil || months <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, "months must be a positive integer"))
			return
		}
		stats, err := r.AuditStore.MonthlyTokenStatistics(ctx, months)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": stats})
		return
	}

	if c.Query("by_model") != "" {
		stats, err := r.AuditStore.TokenStatisticsByModel(ctx)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": stats})
		return
	}

	stats, err := r.AuditStore.TokenStatistics(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, apierr.New(apierr.TypeServiceUnavailable, http.StatusInternalServerError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (r Router) removeEndpoint(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apierr.New(apierr.TypeInvalidRequest, http.StatusBadRequest, "invalid endpoint id"))
		return
	}
	if err := r.Registry.Remove(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, apierr.New(apierr.TypeInvalidRequest, http.StatusNotFound, "unknown endpoint"))
		return
	}
	c.Status(http.StatusNoContent)
}
