package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultTimeout = 15 * time.Second
	apiVersion     = "2023-06-01"
)

// Adapter tracks Anthropic API usage. The primary data path is the proxy
// intercept; the adapter itself only validates credentials.
type Adapter struct {
	providerID string
	apiKey     string
	emit       adapter.Emitter
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// Option configures the adapter
type Option func(*Adapter)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = client
	}
}

// WithLogger sets the adapter's logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an Anthropic adapter
func New(providerID, apiKey string, emit adapter.Emitter, opts ...Option) *Adapter {
	a := &Adapter{
		providerID: providerID,
		apiKey:     apiKey,
		emit:       emit,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderAnthropicAPI
}

// Start marks the adapter running. Events arrive through ProcessResponse.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.logger.Info("anthropic adapter started", "provider_id", a.providerID)
	return nil
}

// Stop halts the adapter
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
}

type connConfig struct {
	APIKey string `json:"api_key"`
}

// TestConnection verifies the API key against the models endpoint
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	key := a.apiKey
	if config != "" {
		var c connConfig
		if err := json.Unmarshal([]byte(config), &c); err == nil && c.APIKey != "" {
			key = c.APIKey
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return adapter.Valid("API key verified")
	}
	return adapter.Invalid(fmt.Sprintf("HTTP %d", resp.StatusCode))
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// ProcessResponse ingests usage from an intercepted API response body.
// Bodies without a usage block are ignored.
func (a *Adapter) ProcessResponse(ctx context.Context, body []byte, header http.Header, model string) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return
	}
	if model == "" {
		model = resp.Model
	}

	event := &models.UsageEvent{
		Timestamp:        time.Now().UnixMilli(),
		Provider:         models.ProviderAnthropicAPI,
		ProviderID:       a.providerID,
		InstanceID:       "anthropic-" + a.providerID,
		RequestID:        resp.ID,
		Model:            model,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		Quality:          models.QualityExact,
		Meta:             map[string]any{"stop_reason": resp.StopReason},
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest anthropic event", "error", err)
	}
}
