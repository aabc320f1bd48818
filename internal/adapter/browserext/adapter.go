package browserext

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/pkg/models"
)

// Adapter receives estimated usage from the browser extension over the
// push bridge. Token counts are heuristic, so every event is flagged
// estimated.
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

// New creates a browser-extension adapter
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

// Type returns the provider type. Individual events carry the consumer
// source reported by the extension.
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderClaudeConsumer
}

// Start marks the adapter ready. Events arrive through
// ProcessExtensionMessage via the push bridge.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.logger.Info("browser extension adapter ready", "provider_id", a.providerID)
	return nil
}

// Stop halts the adapter
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
}

// TestConnection always succeeds: the extension connects to us
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	return adapter.Valid("Waiting for browser extension connection")
}

// ExtensionMessage is the usage_update payload sent by the extension
type ExtensionMessage struct {
	Source                string `json:"source"`
	Model                 string `json:"model"`
	EstimatedInputTokens  int64  `json:"estimatedInputTokens"`
	EstimatedOutputTokens int64  `json:"estimatedOutputTokens"`
	MessageCount          int64  `json:"messageCount"`
	ConversationID        string `json:"conversationId"`
}

// ProcessExtensionMessage ingests one usage update. The source must be a
// known consumer provider type.
func (a *Adapter) ProcessExtensionMessage(ctx context.Context, msg *ExtensionMessage) error {
	source := models.ProviderType(msg.Source)
	if !models.KnownType(source) {
		return adapter.NewAdapterError(msg.Source, adapter.ChannelBridge,
			"process usage update", 0, "unknown source", adapter.ErrMalformedRecord)
	}

	conversation := msg.ConversationID
	if conversation == "" {
		conversation = "default"
	}

	event := &models.UsageEvent{
		Timestamp:    time.Now().UnixMilli(),
		Provider:     source,
		ProviderID:   a.providerID,
		InstanceID:   fmt.Sprintf("%s-%s", msg.Source, conversation),
		SessionID:    msg.ConversationID,
		Model:        msg.Model,
		InputTokens:  msg.EstimatedInputTokens,
		OutputTokens: msg.EstimatedOutputTokens,
		Quality:      models.QualityEstimated,
		Meta: map[string]any{
			"message_count": msg.MessageCount,
			"source":        "browser_extension",
		},
	}
	return a.emit.IngestEvent(ctx, event)
}
