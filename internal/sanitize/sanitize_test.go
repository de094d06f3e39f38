package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONRedactsDataURL(t *testing.T) {
	input := map[string]interface{}{
		"image_url": map[string]interface{}{
			"url": "data:image/png;base64,AAAABBBBCCCC",
		},
		"text": "hello world",
	}

	out := JSON(input).(map[string]interface{})
	imageURL := out["image_url"].(map[string]interface{})["url"].(string)
	assert.True(t, strings.HasPrefix(imageURL, "[redacted data-url len="))
	assert.Equal(t, "hello world", out["text"])
}

func TestJSONRedactsAudioData(t *testing.T) {
	// Real OpenAI input_audio.data is raw base64 with no "data:" prefix.
	input := map[string]interface{}{
		"input_audio": map[string]interface{}{
			"data":   "ZZZZQUJDREVGR0g=",
			"format": "wav",
		},
	}
	out := JSON(input).(map[string]interface{})
	audio := out["input_audio"].(map[string]interface{})
	assert.Contains(t, audio["data"].(string), "[redacted base64 len=")
	assert.Equal(t, "wav", audio["format"], "sibling fields of input_audio must be preserved")
}

func TestJSONLeavesPlainImageURLUnredacted(t *testing.T) {
	input := map[string]interface{}{
		"image_url": map[string]interface{}{
			"url": "https://example.com/cat.png",
		},
	}
	out := JSON(input).(map[string]interface{})
	url := out["image_url"].(map[string]interface{})["url"].(string)
	assert.Equal(t, "https://example.com/cat.png", url)
}

func TestJSONIdempotent(t *testing.T) {
	input := map[string]interface{}{
		"url": "data:image/png;base64,AAAA",
		"nested": []interface{}{
			"plain string",
			"data:audio/mpeg;base64,BBBB",
		},
	}

	once := JSON(input)
	twice := JSON(once)
	assert.Equal(t, once, twice)
}

func TestJSONPreservesNonDataURLStrings(t *testing.T) {
	input := []interface{}{"just a regular string", "https://example.com/image.png", float64(42), true, nil}
	out := JSON(input).([]interface{})
	assert.Equal(t, input, out)
}
