package cloud

import (
	"encoding/json"
	"fmt"
	"time"
)

// chatCompletionFromText builds the synthetic OpenAI chat.completion object
// non-streaming Google/Anthropic responses are reshaped into, so downstream
// tooling always sees the same response shape regardless of provider.
func chatCompletionFromText(model, text, finishReason string) map[string]interface{} {
	return map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": 0,
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason,
			},
		},
	}
}

func marshalJSONBody(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
