package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmlb/llmlb/internal/metrics"
)

// GoogleAdapter translates an OpenAI-shaped chat payload into Gemini's
// generateContent/streamGenerateContent request shape and reshapes
// non-stream responses back to an OpenAI chat.completion object.
type GoogleAdapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (a *GoogleAdapter) Provider() Provider { return ProviderGoogle }

func (a *GoogleAdapter) Forward(ctx context.Context, req Request) (*Response, error) {
	if a.APIKey == "" {
		return nil, &AuthenticationError{EnvVar: "GOOGLE_API_KEY"}
	}

	payload, err := buildGoogleRequest(req.Body)
	if err != nil {
		return nil, fmt.Errorf("build google request: %w", err)
	}

	suffix := "generateContent"
	if req.Stream {
		suffix = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", a.BaseURL, req.Model, suffix, a.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build google http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.Client.Do(httpReq)
	latency := time.Since(start)
	metrics.CloudAdapterLatency.WithLabelValues(string(ProviderGoogle), statusLabel(resp, err)).Observe(latency.Seconds())
	if err != nil {
		return nil, fmt.Errorf("google request failed: %w", err)
	}

	if req.Stream || resp.StatusCode >= 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Latency: latency}, nil
	}
	defer resp.Body.Close()

	reshaped, err := reshapeGoogleResponse(resp.Body, req.Model)
	if err != nil {
		return nil, fmt.Errorf("reshape google response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(reshaped)),
		Latency:    latency,
	}, nil
}

// buildGoogleRequest maps OpenAI chat fields to Gemini's generationConfig
// and content/parts shape: assistant messages become role "model", every
// message becomes {role, parts:[{text}]}, and temperature/top_p/max_tokens
// map to their camelCase Gemini equivalents, dropping absent fields.
func buildGoogleRequest(body map[string]interface{}) ([]byte, error) {
	out := map[string]interface{}{}

	if rawMessages, ok := body["messages"].([]interface{}); ok {
		contents := make([]interface{}, 0, len(rawMessages))
		for _, rm := range rawMessages {
			msg, ok := rm.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			if role == "assistant" {
				role = "model"
			} else if role != "user" {
				role = "user"
			}
			text, _ := msg["content"].(string)
			contents = append(contents, map[string]interface{}{
				"role":  role,
				"parts": []interface{}{map[string]interface{}{"text": text}},
			})
		}
		out["contents"] = contents
	}

	genConfig := map[string]interface{}{}
	if v, ok := body["temperature"]; ok && v != nil {
		genConfig["temperature"] = v
	}
	if v, ok := body["top_p"]; ok && v != nil {
		genConfig["topP"] = v
	}
	if v, ok := body["max_tokens"]; ok && v != nil {
		genConfig["maxOutputTokens"] = v
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	return marshalJSONBody(out)
}

type googleCandidate struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type googleResponse struct {
	Candidates []googleCandidate `json:"candidates"`
}

func reshapeGoogleResponse(body io.Reader, model string) ([]byte, error) {
	var gr googleResponse
	if err := json.NewDecoder(body).Decode(&gr); err != nil {
		return nil, err
	}

	var textParts []string
	finishReason := "stop"
	if len(gr.Candidates) > 0 {
		c := gr.Candidates[0]
		for _, p := range c.Content.Parts {
			textParts = append(textParts, p.Text)
		}
		if c.FinishReason != "" {
			finishReason = strings.ToLower(c.FinishReason)
		}
	}

	return marshalJSONBody(chatCompletionFromText("google:"+model, strings.Join(textParts, ""), finishReason))
}
