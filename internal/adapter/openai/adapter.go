package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

const (
	defaultBaseURL      = "https://api.openai.com"
	defaultTimeout      = 15 * time.Second
	defaultPollInterval = 5 * time.Minute
)

// Adapter tracks OpenAI API usage via proxy intercept, with a best-effort
// poll of the organization usage API for backfill.
type Adapter struct {
	providerID string
	apiKey     string
	emit       adapter.Emitter
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	interval   time.Duration
	limiter    *rate.Limiter

	mu         sync.Mutex
	poller     *adapter.Poller
	lastBucket int64 // highest-seen usage bucket start, unix seconds
	timeFunc   func() time.Time
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

// WithPollInterval overrides the usage poll interval
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		a.interval = d
	}
}

// WithLimiter sets a shared outbound rate limiter
func WithLimiter(l *rate.Limiter) Option {
	return func(a *Adapter) {
		a.limiter = l
	}
}

// WithTimeFunc overrides the clock (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(a *Adapter) {
		a.timeFunc = fn
	}
}

// New creates an OpenAI adapter
func New(providerID, apiKey string, emit adapter.Emitter, opts ...Option) *Adapter {
	a := &Adapter{
		providerID: providerID,
		apiKey:     apiKey,
		emit:       emit,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		interval:   defaultPollInterval,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		timeFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderOpenAIAPI
}

// Start begins polling the usage API. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poller != nil {
		return nil
	}
	a.poller = adapter.NewPoller("openai-usage", a.interval, a.pollUsage,
		adapter.WithLimiter(a.limiter), adapter.WithPollLogger(a.logger))
	if err := a.poller.Start(ctx); err != nil {
		a.poller = nil
		return err
	}
	a.logger.Info("openai adapter started", "provider_id", a.providerID)
	return nil
}

// Stop halts polling. Idempotent; no event is emitted after it returns.
func (a *Adapter) Stop() {
	a.mu.Lock()
	poller := a.poller
	a.poller = nil
	a.mu.Unlock()
	if poller != nil {
		poller.Stop()
	}
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
	req.Header.Set("Authorization", "Bearer "+key)

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

type completionsResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage *struct {
		PromptTokens            int64 `json:"prompt_tokens"`
		CompletionTokens        int64 `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// ProcessResponse ingests usage from an intercepted API response body
func (a *Adapter) ProcessResponse(ctx context.Context, body []byte, header http.Header, model string) {
	var resp completionsResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return
	}
	if model == "" {
		model = resp.Model
	}

	event := &models.UsageEvent{
		Timestamp:       time.Now().UnixMilli(),
		Provider:        models.ProviderOpenAIAPI,
		ProviderID:      a.providerID,
		InstanceID:      "openai-" + a.providerID,
		RequestID:       resp.ID,
		Model:           model,
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		ReasoningTokens: resp.Usage.CompletionTokensDetails.ReasoningTokens,
		Quality:         models.QualityExact,
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest openai event", "error", err)
	}
}

type usageResponse struct {
	Data []struct {
		StartTime int64 `json:"start_time"`
		Results   []struct {
			Model             string `json:"model"`
			InputTokens       int64  `json:"input_tokens"`
			OutputTokens      int64  `json:"output_tokens"`
			NumModelRequests  int64  `json:"num_model_requests"`
			InputCachedTokens int64  `json:"input_cached_tokens"`
		} `json:"results"`
	} `json:"data"`
}

// pollUsage backfills from the organization usage API. The endpoint needs an
// admin key; any non-success response skips the cycle. Buckets at or below
// the highest-seen start time are ignored so a cycle only ingests new data.
func (a *Adapter) pollUsage(ctx context.Context) error {
	now := a.timeFunc()
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(now.Add(-24*time.Hour).Unix(), 10))
	q.Set("end_time", strconv.FormatInt(now.Unix(), 10))
	q.Add("group_by[]", "model")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/organization/usage/completions?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("usage poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.NewAdapterError(string(a.Type()), adapter.ChannelPoll,
			"usage poll", resp.StatusCode, "unexpected status", adapter.ErrUnavailable)
	}

	var usage usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return fmt.Errorf("usage poll decode: %w", err)
	}

	a.mu.Lock()
	last := a.lastBucket
	a.mu.Unlock()

	highest := last
	for _, bucket := range usage.Data {
		if bucket.StartTime <= last {
			continue
		}
		if bucket.StartTime > highest {
			highest = bucket.StartTime
		}
		for _, r := range bucket.Results {
			event := &models.UsageEvent{
				Timestamp:       bucket.StartTime * 1000,
				Provider:        models.ProviderOpenAIAPI,
				ProviderID:      a.providerID,
				InstanceID:      "openai-" + a.providerID,
				Model:           r.Model,
				InputTokens:     r.InputTokens,
				OutputTokens:    r.OutputTokens,
				CacheReadTokens: r.InputCachedTokens,
				Quality:         models.QualityExact,
				Meta:            map[string]any{"source": "usage_api", "request_count": r.NumModelRequests},
			}
			if err := a.emit.IngestEvent(ctx, event); err != nil {
				a.logger.Error("failed to ingest openai usage bucket", "error", err)
			}
		}
	}

	a.mu.Lock()
	if highest > a.lastBucket {
		a.lastBucket = highest
	}
	a.mu.Unlock()
	return nil
}
