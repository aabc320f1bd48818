package models

// ProviderDefinition is static catalog metadata for a provider type.
type ProviderDefinition struct {
	Type             ProviderType
	DisplayName      string
	ConnectionMethod ConnectionMethod
	Quality          Quality
	Description      string
	IsConsumer       bool
}

// Definitions catalogs every supported provider type.
var Definitions = map[ProviderType]ProviderDefinition{
	ProviderAnthropicAPI: {
		Type:             ProviderAnthropicAPI,
		DisplayName:      "Anthropic API",
		ConnectionMethod: ConnectAPIKey,
		Quality:          QualityExact,
		Description:      "Claude API usage with exact token counts",
	},
	ProviderOpenAIAPI: {
		Type:             ProviderOpenAIAPI,
		DisplayName:      "OpenAI API",
		ConnectionMethod: ConnectAPIKey,
		Quality:          QualityExact,
		Description:      "GPT and o-series API usage",
	},
	ProviderGeminiAPI: {
		Type:             ProviderGeminiAPI,
		DisplayName:      "Gemini API",
		ConnectionMethod: ConnectAPIKey,
		Quality:          QualityExact,
		Description:      "Google Gemini API usage",
	},
	ProviderOpenRouter: {
		Type:             ProviderOpenRouter,
		DisplayName:      "OpenRouter",
		ConnectionMethod: ConnectAPIKey,
		Quality:          QualityExact,
		Description:      "One key, exact cost in USD on every response",
	},
	ProviderClaudeCode: {
		Type:             ProviderClaudeCode,
		DisplayName:      "Claude Code",
		ConnectionMethod: ConnectFileWatcher,
		Quality:          QualityExact,
		Description:      "Auto-detected from local JSONL session logs",
	},
	ProviderCopilot: {
		Type:             ProviderCopilot,
		DisplayName:      "GitHub Copilot",
		ConnectionMethod: ConnectOAuth,
		Quality:          QualityExact,
		Description:      "Premium request usage via the GitHub API",
	},
	ProviderOpenClaw: {
		Type:             ProviderOpenClaw,
		DisplayName:      "OpenClaw",
		ConnectionMethod: ConnectSkill,
		Quality:          QualityExact,
		Description:      "Agent token burn reported by skill webhook",
	},
	ProviderClaudeConsumer: {
		Type:             ProviderClaudeConsumer,
		DisplayName:      "Claude.ai",
		ConnectionMethod: ConnectBrowserExtension,
		Quality:          QualityEstimated,
		Description:      "Estimated usage from Claude.ai via browser extension",
		IsConsumer:       true,
	},
	ProviderChatGPTConsumer: {
		Type:             ProviderChatGPTConsumer,
		DisplayName:      "ChatGPT",
		ConnectionMethod: ConnectBrowserExtension,
		Quality:          QualityEstimated,
		Description:      "Estimated usage from ChatGPT via browser extension",
		IsConsumer:       true,
	},
	ProviderGeminiConsumer: {
		Type:             ProviderGeminiConsumer,
		DisplayName:      "Gemini App",
		ConnectionMethod: ConnectBrowserExtension,
		Quality:          QualityEstimated,
		Description:      "Estimated usage from the Gemini app via browser extension",
		IsConsumer:       true,
	},
}

// KnownType reports whether t is a supported provider type.
func KnownType(t ProviderType) bool {
	_, ok := Definitions[t]
	return ok
}
