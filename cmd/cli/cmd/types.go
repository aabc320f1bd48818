package cmd

// CLI-side response shapes. Timestamps stay strings: the CLI displays the
// server's RFC3339 values directly.

// Provider is a registered integration as returned by the API
type Provider struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	IsEstimated bool   `json:"is_estimated"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// ProviderList is the provider listing response
type ProviderList struct {
	Providers []Provider `json:"providers"`
	Count     int        `json:"count"`
}

// TestResult is the connection-test response
type TestResult struct {
	Valid bool   `json:"valid"`
	Info  string `json:"info,omitempty"`
}

// Instance is one live aggregate row
type Instance struct {
	ID                string  `json:"id"`
	ProviderType      string  `json:"provider_type"`
	Model             string  `json:"model"`
	Status            string  `json:"status"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	RequestCount      int64   `json:"request_count"`
	LastActivityAt    string  `json:"last_activity_at"`
}

// InstanceList is the instance listing response
type InstanceList struct {
	Instances []Instance `json:"instances"`
	Count     int        `json:"count"`
}

// DayStats is the today-usage response
type DayStats struct {
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	RequestCount      int64   `json:"request_count"`
}

// SummaryRow is one (provider, model) line of a usage summary
type SummaryRow struct {
	ProviderID   string  `json:"provider_id"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	RequestCount int64   `json:"request_count"`
}

// SummaryResponse is the usage summary response
type SummaryResponse struct {
	Period string       `json:"period"`
	From   string       `json:"from"`
	Rows   []SummaryRow `json:"rows"`
}

// Budget is a spend rule as returned by the API
type Budget struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ProviderID string    `json:"provider_id,omitempty"`
	Period     string    `json:"period"`
	LimitUSD   float64   `json:"limit_usd"`
	Thresholds []float64 `json:"thresholds"`
	IsHardCap  bool      `json:"is_hard_cap"`
}

// BudgetList is the budget listing response
type BudgetList struct {
	Budgets []Budget `json:"budgets"`
	Count   int      `json:"count"`
}

// Health is the health check response
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
