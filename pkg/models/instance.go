package models

import "time"

// SparklineSize is the maximum number of cost samples kept per instance.
const SparklineSize = 30

// InstanceStatus is the live status of an instance.
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceIdle    InstanceStatus = "idle"
	InstancePaused  InstanceStatus = "paused"
	InstanceErrored InstanceStatus = "error"
)

// Instance is the live, in-memory aggregate for one logical usage source.
// It is a projection rebuilt from events; never persisted directly.
type Instance struct {
	ID                string         `json:"id"`
	ProviderID        string         `json:"provider_id"`
	ProviderType      ProviderType   `json:"provider_type"`
	Name              string         `json:"name"`
	Model             string         `json:"model"`
	Status            InstanceStatus `json:"status"`
	TotalInputTokens  int64          `json:"total_input_tokens"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	RequestCount      int64          `json:"request_count"`
	Sparkline         []float64      `json:"sparkline"` // last SparklineSize cost samples, FIFO
	StartedAt         time.Time      `json:"started_at"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
}

// Apply folds one event into the instance totals.
func (i *Instance) Apply(e *UsageEvent) {
	i.TotalInputTokens += e.InputTokens
	i.TotalOutputTokens += e.OutputTokens
	i.TotalCostUSD += e.CostOrZero()
	i.RequestCount++
	i.Status = InstanceActive
	i.LastActivityAt = e.Time()
	if e.Model != "" {
		i.Model = e.Model
	}

	i.Sparkline = append(i.Sparkline, e.CostOrZero())
	if len(i.Sparkline) > SparklineSize {
		i.Sparkline = i.Sparkline[1:]
	}
}
