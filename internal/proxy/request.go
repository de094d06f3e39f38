package proxy

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/audit"
)

// decodeBody reads and JSON-decodes the request body into a generic map,
// also returning the raw bytes (needed for local forwards, which pass the
// client's payload through byte-for-byte).
func decodeBody(c *gin.Context) (map[string]interface{}, []byte, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, raw, nil
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, raw, err
	}
	return body, raw, nil
}

// modelField extracts the "model" string field, if present and non-empty.
func modelField(body map[string]interface{}) string {
	if v, ok := body["model"].(string); ok {
		return v
	}
	return ""
}

// streamField reports whether the client asked for a streamed response.
func streamField(body map[string]interface{}) bool {
	v, _ := body["stream"].(bool)
	return v
}

// messagesHaveImage reports whether any chat message carries an image_url
// content block, per the "reject images on chat" routing rule.
func messagesHaveImage(body map[string]interface{}) bool {
	rawMessages, ok := body["messages"].([]interface{})
	if !ok {
		return false
	}
	for _, rm := range rawMessages {
		msg, ok := rm.(map[string]interface{})
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}
		for _, rb := range blocks {
			block, ok := rb.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t == "image_url" {
				return true
			}
		}
	}
	return false
}

// clientIP returns the caller's address for audit/history rows.
func clientIP(c *gin.Context) string {
	return c.ClientIP()
}

// requestActor derives the audit actor from context set by an upstream auth
// middleware (out of scope for this core), defaulting to anonymous when
// none is present.
func requestActor(c *gin.Context) (audit.ActorType, string, string) {
	if v, ok := c.Get("actor_id"); ok {
		id, _ := v.(string)
		username, _ := c.Get("actor_username")
		u, _ := username.(string)
		if apiKeyOwner, ok := c.Get("actor_type"); ok {
			if t, _ := apiKeyOwner.(string); t == string(audit.ActorAPIKey) {
				return audit.ActorAPIKey, id, u
			}
		}
		return audit.ActorUser, id, u
	}
	return audit.ActorAnonymous, "", ""
}

// writeError maps an apierr.Body and status to the gin response. It is the
// single place every failure path funnels through so an audit+history row
// can always be attached before responding.
func writeError(c *gin.Context, status int, body apierr.Body) {
	c.AbortWithStatusJSON(status, body)
}

// retryAfterSeconds computes the Retry-After value for a 429, never less than 1.
func retryAfterSeconds(queueTimeoutSeconds int) int {
	if queueTimeoutSeconds < 1 {
		return 1
	}
	return queueTimeoutSeconds
}
