package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/goccy/go-yaml"
)

// EndpointsConfig is the declarative seed file (endpoints.yaml): the set of
// statically-known endpoints to register at boot, the models each advertises,
// and the queue/admission-control tuning for the deployment. This keeps the
// same "declarative config validated at load time" shape the teacher uses
// for its model router config, generalised from a routing table to an
// endpoint registry seed list.
type EndpointsConfig struct {
	// Endpoints are registered with the Endpoint Registry on boot, in
	// addition to whatever endpoints register dynamically afterward.
	Endpoints []EndpointSeed `yaml:"endpoints"`

	// Queue contains the admission-control tuning applied to the whole
	// deployment; when absent, cmd/server falls back to the MAX_WAITERS and
	// QUEUE_TIMEOUT_SECS settings from LoadConfig.
	Queue QueueSeed `yaml:"queue,omitempty"`
}

// Validate checks the seed list for obvious configuration mistakes:
// duplicate endpoint names and malformed base URLs.
func (cfg *EndpointsConfig) Validate() error {
	names := make(map[string]struct{}, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.Name == "" {
			return errors.New("endpoint name must be specified in endpoints configuration")
		}
		if _, exists := names[ep.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for endpoint %v", ep.Name)
		}
		names[ep.Name] = struct{}{}

		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoint %v: %w", ep.Name, err)
		}
	}
	return nil
}

// EndpointSeed declares one statically-known endpoint and the models it
// advertises at boot.
type EndpointSeed struct {
	Name                 string       `yaml:"name"`
	BaseURL              string       `yaml:"base_url"`
	Kind                 string       `yaml:"kind,omitempty"` // "openai-compatible" (default) | "other"
	SupportsResponsesAPI bool         `yaml:"supports_responses_api,omitempty"`
	Models               []ModelSeed  `yaml:"models"`
}

// Validate performs basic validation of an EndpointSeed:
// - BaseURL must be a valid http(s) URL
// - at least one model must be declared
func (e *EndpointSeed) Validate() error {
	if err := validateURLString(e.BaseURL); err != nil {
		return err
	}
	if len(e.Models) == 0 {
		return errors.New("no models declared for endpoint")
	}
	return nil
}

// ModelSeed declares one model an endpoint advertises.
type ModelSeed struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	MaxTokens    *int     `yaml:"max_tokens,omitempty"`
}

// QueueSeed contains the admission-control tuning for the deployment.
type QueueSeed struct {
	MaxWaiters       int `yaml:"max_waiters,omitempty"`
	QueueTimeoutSecs int `yaml:"queue_timeout_secs,omitempty"`
}

// LoadEndpointsFile reads and validates an endpoints.yaml document.
func LoadEndpointsFile(r io.Reader) (*EndpointsConfig, error) {
	var cfg EndpointsConfig

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode endpoints file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateURLString(str string) error {
	if str == "" {
		return errors.New("base_url must be specified")
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse base_url: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("base_url does not contain a hostname")
	}

	return nil
}
