package adapter

import (
	"context"

	"github.com/token-monitor/token-monitor/pkg/models"
)

// Channel identifies the mechanism by which usage data reaches an adapter
type Channel string

const (
	ChannelProxy   Channel = "proxy"
	ChannelLogTail Channel = "logtail"
	ChannelBridge  Channel = "bridge"
	ChannelWebhook Channel = "webhook"
	ChannelPoll    Channel = "poll"
)

// Emitter receives canonical usage events from adapters. The engine
// implements it; tests substitute a recorder.
type Emitter interface {
	IngestEvent(ctx context.Context, event *models.UsageEvent) error
}

// Adapter is the common lifecycle implemented by every provider integration.
type Adapter interface {
	// Type returns the provider type this adapter serves
	Type() models.ProviderType

	// Start begins emitting events. Idempotent: a second call on a
	// running adapter is a no-op.
	Start(ctx context.Context) error

	// Stop halts the adapter. Idempotent, and no event is emitted after
	// it returns.
	Stop()

	// TestConnection validates a decrypted connection config. It never
	// returns a Go error: failures are reported in the result.
	TestConnection(ctx context.Context, config string) models.TestResult
}

// Tester is the connection-test subset of Adapter, used to validate configs
// for provider types that have no live adapter instance yet.
type Tester interface {
	TestConnection(ctx context.Context, config string) models.TestResult
}

// Valid builds a passing connection-test result
func Valid(info string) models.TestResult {
	return models.TestResult{Valid: true, Info: info}
}

// Invalid builds a failing connection-test result
func Invalid(info string) models.TestResult {
	return models.TestResult{Valid: false, Info: info}
}
