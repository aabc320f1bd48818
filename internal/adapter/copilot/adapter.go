package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

const (
	defaultBaseURL      = "https://api.github.com"
	defaultTimeout      = 15 * time.Second
	defaultPollInterval = 5 * time.Minute
	acceptHeader        = "application/vnd.github+json"
)

// Adapter tracks GitHub Copilot premium-request usage via the GitHub API
type Adapter struct {
	providerID string
	oauthToken string
	emit       adapter.Emitter
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	interval   time.Duration
	limiter    *rate.Limiter

	mu     sync.Mutex
	poller *adapter.Poller
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

// WithPollInterval overrides the poll interval
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

// New creates a Copilot adapter
func New(providerID, oauthToken string, emit adapter.Emitter, opts ...Option) *Adapter {
	a := &Adapter{
		providerID: providerID,
		oauthToken: oauthToken,
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
	return models.ProviderCopilot
}

// Start begins polling the GitHub API. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poller != nil {
		return nil
	}
	a.poller = adapter.NewPoller("copilot-usage", a.interval, a.pollUsage,
		adapter.WithLimiter(a.limiter), adapter.WithPollLogger(a.logger))
	if err := a.poller.Start(ctx); err != nil {
		a.poller = nil
		return err
	}
	a.logger.Info("copilot adapter started", "provider_id", a.providerID)
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
	OAuthToken string `json:"oauth_token"`
}

// TestConnection verifies the OAuth token against the authenticated-user
// endpoint
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	token := a.oauthToken
	if config != "" {
		var c connConfig
		if err := json.Unmarshal([]byte(config), &c); err == nil && c.OAuthToken != "" {
			token = c.OAuthToken
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/user", nil)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", acceptHeader)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return adapter.Invalid(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Invalid(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil || user.Login == "" {
		return adapter.Valid("Token verified")
	}
	return adapter.Valid("Connected as " + user.Login)
}

type subscriptionResponse struct {
	PlanType              string `json:"plan_type"`
	SeatManagementSetting string `json:"seat_management_setting"`
}

// pollUsage checks the user's Copilot subscription and emits a summary
// event with plan metadata. Individual premium-request counts are not
// exposed by the API, so token counts stay zero.
func (a *Adapter) pollUsage(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/user/copilot", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.oauthToken)
	req.Header.Set("Accept", acceptHeader)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("copilot poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.NewAdapterError(string(a.Type()), adapter.ChannelPoll,
			"subscription poll", resp.StatusCode, "unexpected status", adapter.ErrUnavailable)
	}

	var sub subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return fmt.Errorf("copilot poll decode: %w", err)
	}

	event := &models.UsageEvent{
		Timestamp:  time.Now().UnixMilli(),
		Provider:   models.ProviderCopilot,
		ProviderID: a.providerID,
		InstanceID: "copilot-" + a.providerID,
		Model:      "copilot",
		Quality:    models.QualityExact,
		Meta: map[string]any{
			"plan":                    sub.PlanType,
			"seat_management_setting": sub.SeatManagementSetting,
			"source":                  "github_api",
		},
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest copilot event", "error", err)
	}
	return nil
}
