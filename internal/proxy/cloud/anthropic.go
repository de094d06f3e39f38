package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llmlb/llmlb/internal/metrics"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter translates an OpenAI-shaped chat payload into Anthropic's
// messages API shape (splitting out any system message) and reshapes
// non-stream responses back to an OpenAI chat.completion object.
type AnthropicAdapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (a *AnthropicAdapter) Provider() Provider { return ProviderAnthropic }

func (a *AnthropicAdapter) Forward(ctx context.Context, req Request) (*Response, error) {
	if a.APIKey == "" {
		return nil, &AuthenticationError{EnvVar: "ANTHROPIC_API_KEY"}
	}

	payload, err := buildAnthropicRequest(req.Body, req.Model, req.Stream)
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build anthropic http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("x-api-key", a.APIKey)

	start := time.Now()
	resp, err := a.Client.Do(httpReq)
	latency := time.Since(start)
	metrics.CloudAdapterLatency.WithLabelValues(string(ProviderAnthropic), statusLabel(resp, err)).Observe(latency.Seconds())
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	if req.Stream || resp.StatusCode >= 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Latency: latency}, nil
	}
	defer resp.Body.Close()

	reshaped, err := reshapeAnthropicResponse(resp.Body, req.Model)
	if err != nil {
		return nil, fmt.Errorf("reshape anthropic response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(reshaped)),
		Latency:    latency,
	}, nil
}

func buildAnthropicRequest(body map[string]interface{}, model string, stream bool) ([]byte, error) {
	out := map[string]interface{}{
		"model":  model,
		"stream": stream,
	}

	maxTokens := 4096
	if v, ok := body["max_tokens"]; ok {
		if f, ok := v.(float64); ok {
			maxTokens = int(f)
		}
	}
	out["max_tokens"] = maxTokens

	if v, ok := body["temperature"]; ok && v != nil {
		out["temperature"] = v
	}
	if v, ok := body["top_p"]; ok && v != nil {
		out["top_p"] = v
	}

	var system string
	var messages []interface{}
	if rawMessages, ok := body["messages"].([]interface{}); ok {
		for _, rm := range rawMessages {
			msg, ok := rm.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			content, _ := msg["content"].(string)
			if role == "system" {
				if system != "" {
					system += "\n"
				}
				system += content
				continue
			}
			messages = append(messages, map[string]interface{}{
				"role":    role,
				"content": []interface{}{map[string]interface{}{"type": "text", "text": content}},
			})
		}
	}
	if system != "" {
		out["system"] = system
	}
	out["messages"] = messages

	return marshalJSONBody(out)
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

func reshapeAnthropicResponse(body io.Reader, model string) ([]byte, error) {
	var ar anthropicResponse
	if err := json.NewDecoder(body).Decode(&ar); err != nil {
		return nil, err
	}

	var text string
	for _, block := range ar.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	finishReason := "stop"
	if ar.StopReason != "" {
		finishReason = ar.StopReason
	}

	return marshalJSONBody(chatCompletionFromText("anthropic:"+model, text, finishReason))
}
