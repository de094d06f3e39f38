package proxy

import "encoding/json"

// tokenUsage is the token triple extracted from an OpenAI-shaped response's
// "usage" object, as *int64 so absence is distinguishable from zero.
type tokenUsage struct {
	InputTokens  *int64
	OutputTokens *int64
	TotalTokens  *int64
}

type usageEnvelope struct {
	Usage struct {
		PromptTokens     *int64 `json:"prompt_tokens"`
		CompletionTokens *int64 `json:"completion_tokens"`
		TotalTokens      *int64 `json:"total_tokens"`
	} `json:"usage"`
}

// extractUsage pulls the token triple out of a non-stream OpenAI-shaped JSON
// response body. A malformed or absent "usage" object yields a zero-value
// tokenUsage rather than an error: token accounting is best-effort and must
// never fail the request it's attached to.
func extractUsage(body []byte) tokenUsage {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return tokenUsage{}
	}
	return tokenUsage{
		InputTokens:  env.Usage.PromptTokens,
		OutputTokens: env.Usage.CompletionTokens,
		TotalTokens:  env.Usage.TotalTokens,
	}
}

func toUint64Ptr(p *int64) *uint64 {
	if p == nil || *p < 0 {
		return nil
	}
	v := uint64(*p)
	return &v
}
