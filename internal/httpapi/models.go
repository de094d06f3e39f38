package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/model"
)

type modelCapabilities struct {
	TextGeneration bool `json:"text_generation"`
	Embeddings     bool `json:"embeddings"`
	Vision         bool `json:"vision"`
}

type modelEntry struct {
	ID              string            `json:"id"`
	Object          string            `json:"object"`
	Created         int64             `json:"created"`
	OwnedBy         string            `json:"owned_by"`
	Capabilities    modelCapabilities `json:"capabilities"`
	LifecycleStatus string            `json:"lifecycle_status"`
	Ready           bool              `json:"ready"`
	SupportedAPIs   []string          `json:"supported_apis"`
}

// buildModelCatalog aggregates every (endpoint, model) row across the
// registry into one entry per distinct model id. There is no separate
// registered-model catalog in this deployment (see DESIGN.md), so every
// entry is owned_by "endpoint" and its readiness/capabilities are the union
// across whichever endpoints currently advertise it.
func (r Router) buildModelCatalog() map[string]*modelEntry {
	catalog := make(map[string]*modelEntry)
	endpoints := make(map[uuid.UUID]model.Endpoint)
	for _, ep := range r.Registry.ListIncludingRemoved() {
		endpoints[ep.ID] = ep
	}

	for endpointID, models := range r.Registry.AllModels() {
		ep, known := endpoints[endpointID]
		if known && ep.IsRemoved() {
			continue
		}
		for _, m := range models {
			entry, ok := catalog[m.ModelID]
			if !ok {
				entry = &modelEntry{
					ID:      m.ModelID,
					Object:  "model",
					Created: 0,
					OwnedBy: "endpoint",
				}
				catalog[m.ModelID] = entry
			}

			if m.HasCapability(model.CapabilityTextGeneration) {
				entry.Capabilities.TextGeneration = true
			}
			if m.HasCapability(model.CapabilityEmbeddings) {
				entry.Capabilities.Embeddings = true
			}
			if m.HasCapability(model.CapabilityVision) {
				entry.Capabilities.Vision = true
			}

			for _, api := range m.SupportedAPIs {
				if !containsStr(entry.SupportedAPIs, string(api)) {
					entry.SupportedAPIs = append(entry.SupportedAPIs, string(api))
				}
			}

			if known && ep.Status == model.EndpointStatusOnline {
				entry.LifecycleStatus = string(model.EndpointStatusOnline)
				if r.Balancer.HasIdleNodesForModel(m.ModelID) {
					entry.Ready = true
				}
			} else if entry.LifecycleStatus == "" && known {
				entry.LifecycleStatus = string(ep.Status)
			}
		}
	}

	for _, entry := range catalog {
		if len(entry.SupportedAPIs) == 0 {
			entry.SupportedAPIs = []string{string(model.SupportedAPIChatCompletions)}
		}
		if entry.LifecycleStatus == "" {
			entry.LifecycleStatus = string(model.EndpointStatusOffline)
		}
	}
	return catalog
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (r Router) listModels(c *gin.Context) {
	catalog := r.buildModelCatalog()
	data := make([]*modelEntry, 0, len(catalog))
	for _, entry := range catalog {
		data = append(data, entry)
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (r Router) getModel(c *gin.Context) {
	id := c.Param("id")
	catalog := r.buildModelCatalog()
	entry, ok := catalog[id]
	if !ok {
		body := apierr.New(apierr.TypeInvalidRequest, http.StatusNotFound, "model not found: "+id)
		body.Error.Param = "model"
		body.Error.Code = "model_not_found"
		c.AbortWithStatusJSON(http.StatusNotFound, body)
		return
	}
	c.JSON(http.StatusOK, entry)
}
