package openclaw

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

// Adapter receives usage from OpenClaw automation skills. Data arrives
// through the webhook endpoint; the adapter itself holds no connection.
type Adapter struct {
	providerID string
	emit       adapter.Emitter
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// Option configures the adapter
type Option func(*Adapter)

// WithLogger sets the adapter's logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an OpenClaw adapter
func New(providerID string, emit adapter.Emitter, opts ...Option) *Adapter {
	a := &Adapter{
		providerID: providerID,
		emit:       emit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderOpenClaw
}

// Start marks the adapter ready. Events arrive through ProcessSkillEvent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.logger.Info("openclaw adapter ready", "provider_id", a.providerID)
	return nil
}

// Stop halts the adapter
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
}

// TestConnection always succeeds: the skill pushes to us, there is nothing
// to dial
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	return adapter.Valid("Ready to receive events from OpenClaw skill")
}

// SkillEvent is one usage payload POSTed by an OpenClaw skill
type SkillEvent struct {
	Model     string `json:"model" binding:"required"`
	Timestamp int64  `json:"timestamp"`
	SkillName string `json:"skill_name"`
	SessionID string `json:"session_id"`
	Usage     struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// ProcessSkillEvent ingests one webhook payload
func (a *Adapter) ProcessSkillEvent(ctx context.Context, data *SkillEvent) error {
	ts := data.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	skill := data.SkillName
	if skill == "" {
		skill = "default"
	}

	event := &models.UsageEvent{
		Timestamp:        ts,
		Provider:         models.ProviderOpenClaw,
		ProviderID:       a.providerID,
		InstanceID:       "openclaw-" + skill,
		SessionID:        data.SessionID,
		Model:            data.Model,
		InputTokens:      data.Usage.InputTokens,
		OutputTokens:     data.Usage.OutputTokens,
		CacheReadTokens:  data.Usage.CacheReadInputTokens,
		CacheWriteTokens: data.Usage.CacheCreationInputTokens,
		Quality:          models.QualityExact,
		Meta: map[string]any{
			"skill_name": skill,
			"source":     "openclaw_skill",
		},
	}
	return a.emit.IngestEvent(ctx, event)
}
