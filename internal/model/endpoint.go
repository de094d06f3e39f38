// Package model holds the domain types shared across the registry, balancer,
// and proxy packages: endpoints, their advertised models, and the catalog of
// known model metadata.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EndpointStatus is the lifecycle state of a registered endpoint.
type EndpointStatus string

const (
	EndpointStatusPending EndpointStatus = "pending"
	EndpointStatusOnline  EndpointStatus = "online"
	EndpointStatusOffline EndpointStatus = "offline"
	EndpointStatusError   EndpointStatus = "error"
)

// EndpointKind tags how a forward is constructed for this endpoint.
type EndpointKind string

const (
	EndpointKindOpenAICompatible EndpointKind = "openai-compatible"
	EndpointKindOther            EndpointKind = "other"
)

// SupportedAPI identifies a wire protocol an endpoint answers to.
type SupportedAPI string

const (
	SupportedAPIChatCompletions SupportedAPI = "chat_completions"
	SupportedAPIResponses       SupportedAPI = "responses"
)

// Capability is one declared ability of a model (text generation, embeddings, ...).
type Capability string

const (
	CapabilityTextGeneration Capability = "text_generation"
	CapabilityEmbeddings     Capability = "embeddings"
	CapabilityVision         Capability = "vision"
)

// GPUInfo is the optional GPU fingerprint an endpoint may report.
type GPUInfo struct {
	DeviceCount       *int
	MemoryTotalBytes  *uint64
	MemoryUsedBytes   *uint64
	CapabilityScore   *float32
	ModelName         *string
	ComputeCapability *string
	TemperatureC      *float32
}

// Endpoint is a backend capable of serving one or more models behind an HTTP URL.
type Endpoint struct {
	ID                  uuid.UUID
	Name                string
	BaseURL             string
	Kind                EndpointKind
	Status              EndpointStatus
	GPU                 GPUInfo
	SupportsResponsesAPI bool
	CreatedAt           time.Time
	LastSeenAt          *time.Time
	RemovedAt           *time.Time
}

// IsRemoved reports whether the endpoint has been soft-deleted.
func (e Endpoint) IsRemoved() bool {
	return e.RemovedAt != nil
}

// EndpointModel is one (endpoint, model) capability row. The pair
// (EndpointID, ModelID) is unique within the registry.
type EndpointModel struct {
	EndpointID    uuid.UUID
	ModelID       string
	Capabilities  []Capability
	MaxTokens     *int
	LastChecked   time.Time
	SupportedAPIs []SupportedAPI
}

// HasCapability reports whether the model declares the given capability.
func (m EndpointModel) HasCapability(c Capability) bool {
	for _, cap := range m.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// ModelInfo describes a named model from the registered catalog. Endpoints
// may advertise models that have no corresponding ModelInfo (e.g. cloud
// models); the catalog is consulted only for capability checks and display.
type ModelInfo struct {
	Name         string
	Repo         string
	Filename     string
	SizeBytes    *int64
	Capabilities []Capability
	ChatTemplate string
	Tags         []string
	Description  string
}
