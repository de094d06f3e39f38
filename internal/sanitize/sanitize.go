// Package sanitize strips inline binary payloads out of request/response
// bodies before they're persisted to the request history store, so a
// dashboard never carries a base64 image or audio blob. Audit log entries
// do not pass through this package.
package sanitize

import (
	"fmt"
	"strings"
)

const dataURLMarker = ";base64,"

// JSON walks an arbitrary decoded-JSON value (the shape produced by
// json.Unmarshal into interface{}: map[string]interface{}, []interface{},
// string, float64, bool, nil) and returns a copy with binary payloads
// replaced by length-tagged placeholders.
//
// Two object shapes get keyed handling instead of the generic data-URL rule:
//   - input_audio: its "data" field is raw base64 with no "data:" prefix, so
//     it's redacted unless it already holds a redaction placeholder.
//   - image_url: its "url" field is redacted only when it's a base64 data
//     URL, since plain https URLs are fine to keep.
//
// Every other string in the tree falls back to the generic data-URL rule.
//
// JSON is idempotent: sanitising an already-sanitised value returns it
// unchanged, since the placeholder strings never match the redaction rules
// again.
func JSON(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			switch k {
			case "input_audio":
				out[k] = redactInputAudio(child)
			case "image_url":
				out[k] = redactImageURL(child)
			default:
				out[k] = JSON(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = JSON(child)
		}
		return out
	case string:
		if redacted, ok := redactIfDataURL(val); ok {
			return redacted
		}
		return val
	default:
		return v
	}
}

// redactInputAudio redacts the "data" field of an input_audio object
// whatever its content (other than an existing placeholder), since real
// input_audio.data is raw base64 with no "data:" prefix for the generic
// rule to key on.
func redactInputAudio(v interface{}) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return JSON(v)
	}
	out := make(map[string]interface{}, len(obj))
	for k, child := range obj {
		out[k] = child
	}
	if data, ok := obj["data"].(string); ok && !strings.HasPrefix(data, "[redacted base64 len=") {
		out["data"] = fmt.Sprintf("[redacted base64 len=%d]", len(data))
	}
	return out
}

// redactImageURL redacts the "url" field of an image_url object only when
// it's a base64 data URL, leaving plain https URLs untouched.
func redactImageURL(v interface{}) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return JSON(v)
	}
	out := make(map[string]interface{}, len(obj))
	for k, child := range obj {
		out[k] = child
	}
	if url, ok := obj["url"].(string); ok {
		if redacted, ok := redactIfDataURL(url); ok {
			out["url"] = redacted
		}
	}
	return out
}

func looksLikeDataURL(s string) bool {
	return strings.HasPrefix(s, "data:") && strings.Contains(s, dataURLMarker)
}

// redactIfDataURL returns the length-tagged placeholder and true if s is a
// base64 data URL; otherwise it returns s unchanged and false so callers
// know not to allocate a new string.
func redactIfDataURL(s string) (string, bool) {
	if !looksLikeDataURL(s) {
		return s, false
	}
	return fmt.Sprintf("[redacted data-url len=%d]", len(s)), true
}
