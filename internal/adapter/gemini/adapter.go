package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 15 * time.Second
)

// Adapter tracks Gemini API usage via proxy intercept
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

// New creates a Gemini adapter
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
	return models.ProviderGeminiAPI
}

// Start marks the adapter running. Events arrive through ProcessResponse.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.logger.Info("gemini adapter started", "provider_id", a.providerID)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models?key="+key, nil)
	if err != nil {
		return adapter.Invalid(err.Error())
	}

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

type generateResponse struct {
	UsageMetadata *struct {
		PromptTokenCount        int64 `json:"promptTokenCount"`
		CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
		CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		TotalTokenCount         int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ProcessResponse ingests usage from an intercepted API response body.
// Gemini reports usage in usageMetadata; the model comes from the request
// path, not the body.
func (a *Adapter) ProcessResponse(ctx context.Context, body []byte, header http.Header, model string) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.UsageMetadata == nil {
		return
	}

	event := &models.UsageEvent{
		Timestamp:       time.Now().UnixMilli(),
		Provider:        models.ProviderGeminiAPI,
		ProviderID:      a.providerID,
		InstanceID:      "gemini-" + a.providerID,
		Model:           model,
		InputTokens:     resp.UsageMetadata.PromptTokenCount,
		OutputTokens:    resp.UsageMetadata.CandidatesTokenCount,
		CacheReadTokens: resp.UsageMetadata.CachedContentTokenCount,
		TotalTokens:     resp.UsageMetadata.TotalTokenCount,
		Quality:         models.QualityExact,
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest gemini event", "error", err)
	}
}
