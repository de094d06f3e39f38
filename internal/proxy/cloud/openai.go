package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/llmlb/llmlb/internal/metrics"
)

// OpenAIAdapter passes the client's payload straight through to OpenAI,
// since the wire format already matches.
type OpenAIAdapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (a *OpenAIAdapter) Provider() Provider { return ProviderOpenAI }

func (a *OpenAIAdapter) Forward(ctx context.Context, req Request) (*Response, error) {
	if a.APIKey == "" {
		return nil, &AuthenticationError{EnvVar: "OPENAI_API_KEY"}
	}

	body := req.Body
	body["model"] = req.Model

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+req.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)

	start := time.Now()
	resp, err := a.Client.Do(httpReq)
	latency := time.Since(start)
	metrics.CloudAdapterLatency.WithLabelValues(string(ProviderOpenAI), statusLabel(resp, err)).Observe(latency.Seconds())
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Latency: latency}, nil
}

func statusLabel(resp *http.Response, err error) string {
	if err != nil {
		return "transport_error"
	}
	return fmt.Sprintf("%d", resp.StatusCode)
}
