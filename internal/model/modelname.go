package model

import "strings"

// CloudProvider identifies one of the three virtual cloud providers a model
// name can be prefixed with.
type CloudProvider string

const (
	CloudProviderNone      CloudProvider = ""
	CloudProviderOpenAI    CloudProvider = "openai"
	CloudProviderGoogle    CloudProvider = "google"
	CloudProviderAnthropic CloudProvider = "anthropic"
)

// cloudPrefixAliases maps every recognised prefix (including the legacy
// typo alias) to its canonical provider.
var cloudPrefixAliases = map[string]CloudProvider{
	"openai":    CloudProviderOpenAI,
	"google":    CloudProviderGoogle,
	"anthropic": CloudProviderAnthropic,
	"ahtnorpic": CloudProviderAnthropic, // legacy typo alias, kept for compatibility
}

// ParsedModelName is the decomposition of the model name grammar
// <prefix>?<base>(-<quant>)?
type ParsedModelName struct {
	Provider      CloudProvider
	Base          string
	Quantization  string
	WithoutPrefix string // Base + "-" + Quantization when quant present, else Base
}

// ParseModelName splits a client-supplied model string into its cloud prefix
// (if any), base model id, and quantisation suffix. Quantisation suffixes are
// recognised by the conventional "-Q<bits>_<variant>" shape (e.g. "-Q4_K_M");
// endpoint selection keys on WithoutPrefix (base+quant), so distinct quants
// of the same base model route to distinct endpoints.
func ParseModelName(name string) ParsedModelName {
	provider := CloudProviderNone
	rest := name

	if idx := strings.Index(name, ":"); idx > 0 {
		prefix := strings.ToLower(name[:idx])
		if p, ok := cloudPrefixAliases[prefix]; ok {
			provider = p
			rest = name[idx+1:]
		}
	}

	base, quant := splitQuantSuffix(rest)

	return ParsedModelName{
		Provider:      provider,
		Base:          base,
		Quantization:  quant,
		WithoutPrefix: rest,
	}
}

// splitQuantSuffix extracts a trailing "-Q..." quantisation tag, if present.
func splitQuantSuffix(s string) (base, quant string) {
	idx := strings.LastIndex(s, "-Q")
	if idx < 0 || idx == 0 {
		return s, ""
	}
	candidate := s[idx+1:]
	if len(candidate) < 2 || candidate[1] < '0' || candidate[1] > '9' {
		return s, ""
	}
	return s[:idx], candidate
}
