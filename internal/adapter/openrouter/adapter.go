package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

const (
	defaultBaseURL      = "https://openrouter.ai/api"
	defaultTimeout      = 15 * time.Second
	defaultPollInterval = 30 * time.Second
	generationPageSize  = 50
)

// Adapter tracks OpenRouter usage. OpenRouter reports exact tokens and cost
// on every response, so no pricing-table lookup is needed on this path. A
// generation-history poll backfills requests the proxy did not see.
type Adapter struct {
	providerID string
	apiKey     string
	emit       adapter.Emitter
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	interval   time.Duration
	limiter    *rate.Limiter

	mu               sync.Mutex
	poller           *adapter.Poller
	lastGenerationID string
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

// WithPollInterval overrides the generation-history poll interval
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

// New creates an OpenRouter adapter
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
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderOpenRouter
}

// Start begins polling generation history. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poller != nil {
		return nil
	}
	a.poller = adapter.NewPoller("openrouter-generations", a.interval, a.pollGenerations,
		adapter.WithLimiter(a.limiter), adapter.WithPollLogger(a.logger))
	if err := a.poller.Start(ctx); err != nil {
		a.poller = nil
		return err
	}
	a.logger.Info("openrouter adapter started", "provider_id", a.providerID)
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

type keyResponse struct {
	Data struct {
		Usage float64  `json:"usage"`
		Limit *float64 `json:"limit"`
	} `json:"data"`
}

// TestConnection verifies the API key and reports current key usage
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	key := a.apiKey
	if config != "" {
		var c connConfig
		if err := json.Unmarshal([]byte(config), &c); err == nil && c.APIKey != "" {
			key = c.APIKey
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/auth/key", nil)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Invalid(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	var kr keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return adapter.Valid("API key verified")
	}
	limit := "none"
	if kr.Data.Limit != nil {
		limit = "$" + strconv.FormatFloat(*kr.Data.Limit, 'f', 2, 64)
	}
	return adapter.Valid(fmt.Sprintf("Connected — usage: $%.4f, limit: %s", kr.Data.Usage, limit))
}

type chatResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ProcessResponse ingests usage from an intercepted API response body. The
// x-openrouter-cost header carries the exact cost when present.
func (a *Adapter) ProcessResponse(ctx context.Context, body []byte, header http.Header, model string) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return
	}

	var costUSD *float64
	if raw := header.Get("x-openrouter-cost"); raw != "" {
		if cost, err := strconv.ParseFloat(raw, 64); err == nil {
			costUSD = &cost
		}
	}

	event := &models.UsageEvent{
		Timestamp:    time.Now().UnixMilli(),
		Provider:     models.ProviderOpenRouter,
		ProviderID:   a.providerID,
		InstanceID:   "openrouter-" + a.providerID,
		RequestID:    resp.ID,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		CostUSD:      costUSD,
		Quality:      models.QualityExact,
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest openrouter event", "error", err)
	}
}

type generation struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	CreatedAt        string  `json:"created_at"`
	Origin           string  `json:"origin"`
	TokensPrompt     int64   `json:"tokens_prompt"`
	TokensCompletion int64   `json:"tokens_completion"`
	TotalCost        float64 `json:"total_cost"`
}

type generationsResponse struct {
	Data []generation `json:"data"`
}

// pollGenerations backfills from the generation-history endpoint, newest
// first. Records at or below the highest-seen generation id are skipped;
// any non-success response skips the cycle.
func (a *Adapter) pollGenerations(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/generation?limit=%d", a.baseURL, generationPageSize), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.NewAdapterError(string(a.Type()), adapter.ChannelPoll,
			"generation poll", resp.StatusCode, "unexpected status", adapter.ErrUnavailable)
	}

	var gr generationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("generation poll decode: %w", err)
	}

	a.mu.Lock()
	last := a.lastGenerationID
	a.mu.Unlock()

	for _, gen := range gr.Data {
		if last != "" && gen.ID <= last {
			continue
		}

		ts := time.Now().UnixMilli()
		if created, err := time.Parse(time.RFC3339, gen.CreatedAt); err == nil {
			ts = created.UnixMilli()
		}

		var costUSD *float64
		if gen.TotalCost > 0 {
			cost := gen.TotalCost
			costUSD = &cost
		}

		event := &models.UsageEvent{
			Timestamp:    ts,
			Provider:     models.ProviderOpenRouter,
			ProviderID:   a.providerID,
			InstanceID:   "openrouter-" + a.providerID,
			RequestID:    gen.ID,
			Model:        gen.Model,
			InputTokens:  gen.TokensPrompt,
			OutputTokens: gen.TokensCompletion,
			TotalTokens:  gen.TokensPrompt + gen.TokensCompletion,
			CostUSD:      costUSD,
			Quality:      models.QualityExact,
			Meta:         map[string]any{"source": "generation_history", "origin": gen.Origin},
		}
		if err := a.emit.IngestEvent(ctx, event); err != nil {
			a.logger.Error("failed to ingest openrouter generation", "error", err)
		}
	}

	if len(gr.Data) > 0 {
		a.mu.Lock()
		if gr.Data[0].ID > a.lastGenerationID {
			a.lastGenerationID = gr.Data[0].ID
		}
		a.mu.Unlock()
	}
	return nil
}
