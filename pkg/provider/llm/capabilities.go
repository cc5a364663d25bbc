package llm

import "strings"

// capabilityRule matches a lower-cased model name by prefix, or by substring
// when contains is set. Rules are tried in order; more specific names come
// first.
type capabilityRule struct {
	match    string
	contains bool
	caps     ModelCapabilities
}

var capabilityRules = []capabilityRule{
	// OpenAI
	{match: "gpt-4.1", caps: ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{match: "gpt-4o", caps: ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{match: "gpt-4-turbo", caps: ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{match: "gpt-4", caps: ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{match: "gpt-3.5-turbo", caps: ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{match: "o1-mini", caps: ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{match: "o1", caps: ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{match: "o3", caps: ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},

	// Anthropic
	{match: "claude-3-opus", contains: true, caps: ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096}},
	{match: "claude", caps: ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},

	// Google
	{match: "gemini-1.5-pro", contains: true, caps: ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{match: "gemini", caps: ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},

	// Local and open-weight
	{match: "llama", caps: ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}},
	{match: "mistral", caps: ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}},
	{match: "deepseek", caps: ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
}

// LookupCapabilities returns the limits of a known model family, or
// [DefaultCapabilities]. Matching ignores case.
func LookupCapabilities(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if r.contains && strings.Contains(lower, r.match) || !r.contains && strings.HasPrefix(lower, r.match) {
			return r.caps
		}
	}
	return DefaultCapabilities
}
