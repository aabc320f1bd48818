package models

import "time"

// ProviderType identifies an integration kind.
type ProviderType string

const (
	ProviderAnthropicAPI    ProviderType = "anthropic_api"
	ProviderOpenAIAPI       ProviderType = "openai_api"
	ProviderGeminiAPI       ProviderType = "gemini_api"
	ProviderOpenRouter      ProviderType = "openrouter"
	ProviderClaudeCode      ProviderType = "claude_code"
	ProviderCopilot         ProviderType = "copilot"
	ProviderOpenClaw        ProviderType = "openclaw"
	ProviderClaudeConsumer  ProviderType = "claude_consumer"
	ProviderChatGPTConsumer ProviderType = "chatgpt_consumer"
	ProviderGeminiConsumer  ProviderType = "gemini_consumer"
)

// ProviderStatus is the lifecycle status of a registered provider.
type ProviderStatus string

const (
	ProviderActive  ProviderStatus = "active"
	ProviderPaused  ProviderStatus = "paused"
	ProviderError   ProviderStatus = "error"
	ProviderDeleted ProviderStatus = "deleted" // soft delete only; usage stays attributable
)

// ConnectionMethod describes how a provider's data reaches the engine.
type ConnectionMethod string

const (
	ConnectAPIKey           ConnectionMethod = "api_key"
	ConnectOAuth            ConnectionMethod = "oauth"
	ConnectFileWatcher      ConnectionMethod = "file_watcher"
	ConnectBrowserExtension ConnectionMethod = "browser_extension"
	ConnectSkill            ConnectionMethod = "skill"
	ConnectProxy            ConnectionMethod = "proxy"
)

// Provider is a user-registered integration.
type Provider struct {
	ID   string       `json:"id"`
	Type ProviderType `json:"type"`
	Name string       `json:"name"`
	// Config holds the encrypted connection config. Opaque to the engine;
	// only the matching adapter sees the plaintext.
	Config      string         `json:"-"`
	IsEstimated bool           `json:"is_estimated"`
	Status      ProviderStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsLive reports whether the provider should have a running adapter.
func (p *Provider) IsLive() bool {
	return p.Status == ProviderActive
}

// TestResult is the outcome of an adapter connection test. Connection tests
// never raise; failures are reported through Valid/Info.
type TestResult struct {
	Valid bool   `json:"valid"`
	Info  string `json:"info,omitempty"`
}
