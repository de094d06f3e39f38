package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModelNameNoPrefix(t *testing.T) {
	p := ParseModelName("llama-3.1-8b")
	assert.Equal(t, CloudProviderNone, p.Provider)
	assert.Equal(t, "llama-3.1-8b", p.Base)
	assert.Empty(t, p.Quantization)
}

func TestParseModelNameCloudPrefixes(t *testing.T) {
	cases := map[string]CloudProvider{
		"openai:gpt-4o":            CloudProviderOpenAI,
		"google:gemini-1.5-pro":    CloudProviderGoogle,
		"anthropic:claude-3-opus":  CloudProviderAnthropic,
		"ahtnorpic:claude-3-opus":  CloudProviderAnthropic,
	}
	for name, want := range cases {
		p := ParseModelName(name)
		assert.Equal(t, want, p.Provider, name)
	}
}

func TestParseModelNameUnknownPrefixIsNotStripped(t *testing.T) {
	p := ParseModelName("custom:my-model")
	assert.Equal(t, CloudProviderNone, p.Provider)
	assert.Equal(t, "custom:my-model", p.Base)
}

func TestParseModelNameQuantSuffix(t *testing.T) {
	p := ParseModelName("qwen2.5-14b-instruct-Q4_K_M")
	assert.Equal(t, "qwen2.5-14b-instruct", p.Base)
	assert.Equal(t, "Q4_K_M", p.Quantization)
}

func TestParseModelNamePrefixAndQuant(t *testing.T) {
	p := ParseModelName("openai:gpt-oss-20b-Q8_0")
	assert.Equal(t, CloudProviderOpenAI, p.Provider)
	assert.Equal(t, "gpt-oss-20b", p.Base)
	assert.Equal(t, "Q8_0", p.Quantization)
	assert.Equal(t, "gpt-oss-20b-Q8_0", p.WithoutPrefix)
}
