package models

import "time"

// BudgetPeriod is the accounting window for a budget.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// AlertChannel is a notification destination.
type AlertChannel string

const (
	ChannelPush    AlertChannel = "push"
	ChannelSlack   AlertChannel = "slack"
	ChannelDiscord AlertChannel = "discord"
	ChannelEmail   AlertChannel = "email"
)

// DefaultThresholds are the alert percentages applied when a budget
// specifies none.
var DefaultThresholds = []float64{75, 90, 100}

// Budget is a user spend rule. ProviderID empty means global scope.
type Budget struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProviderID     string         `json:"provider_id,omitempty"`
	Period         BudgetPeriod   `json:"period"`
	LimitUSD       float64        `json:"limit_usd"`
	Thresholds     []float64      `json:"thresholds"` // ordered ascending
	NotifyChannels []AlertChannel `json:"notify_channels"`
	IsHardCap      bool           `json:"is_hard_cap"`
	CreatedAt      time.Time      `json:"created_at"`
}

// BudgetAlert is published when spend reaches a budget threshold. The
// evaluator is stateless: the same threshold may be re-announced on
// subsequent events within a period.
type BudgetAlert struct {
	BudgetID   string    `json:"budget_id"`
	BudgetName string    `json:"budget_name"`
	SpentUSD   float64   `json:"spent_usd"`
	LimitUSD   float64   `json:"limit_usd"`
	Percent    float64   `json:"percent"`
	Threshold  float64   `json:"threshold"` // highest threshold reached
	Timestamp  time.Time `json:"timestamp"`
}
