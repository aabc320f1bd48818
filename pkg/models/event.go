package models

import "time"

// Quality indicates whether an event's token counts are provider-reported
// or heuristically derived.
type Quality string

const (
	QualityExact     Quality = "exact"
	QualityEstimated Quality = "estimated"
)

// UsageEvent is the canonical event envelope. Every ingestion channel
// ultimately produces this shape; it is immutable once ingested.
type UsageEvent struct {
	ID         string       `json:"id"`
	Timestamp  int64        `json:"ts"` // unix ms
	Provider   ProviderType `json:"provider"`
	ProviderID string       `json:"provider_id"`
	InstanceID string       `json:"instance_id"` // stable key grouping events from one session/agent/key
	SessionID  string       `json:"session_id,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
	Model      string       `json:"model,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`

	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`

	// CostUSD is nil until computed, and stays nil when no pricing resolves.
	CostUSD *float64 `json:"cost_usd,omitempty"`

	Quality Quality `json:"quality"`

	Meta map[string]any `json:"meta,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e *UsageEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// InstanceKey returns the key the live instance map aggregates under:
// the instance id when set, the provider id otherwise.
func (e *UsageEvent) InstanceKey() string {
	if e.InstanceID != "" {
		return e.InstanceID
	}
	return e.ProviderID
}

// CostOrZero returns the computed cost, treating unresolved pricing as zero
// for aggregation purposes.
func (e *UsageEvent) CostOrZero() float64 {
	if e.CostUSD == nil {
		return 0
	}
	return *e.CostUSD
}
