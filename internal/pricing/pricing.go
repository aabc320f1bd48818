// Package pricing resolves model pricing and computes per-event cost.
package pricing

import (
	"math"
	"regexp"
	"strings"
)

// ModelPricing holds USD rates per 1M tokens for one model.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheRead  float64 // 0 = cache reads not billed for this model
	CacheWrite float64 // 0 = cache writes not billed for this model
}

type tableEntry struct {
	model   string
	pricing ModelPricing
}

// tableOrder lists model pricing in declaration order. The fallback scan in
// Resolve walks this slice so broader entries (gpt-4.1) win over their
// variants (gpt-4.1-mini) deterministically.
// Rates are USD per 1M tokens. Last updated: 2025-06-01.
var tableOrder = []tableEntry{
	// Anthropic
	{"claude-opus-4", ModelPricing{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75}},
	{"claude-opus-4-20250514", ModelPricing{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75}},
	{"claude-sonnet-4", ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}},
	{"claude-sonnet-4-20250514", ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}},
	{"claude-3.5-sonnet", ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}},
	{"claude-3-5-sonnet-20241022", ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}},
	{"claude-haiku-3.5", ModelPricing{Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1}},
	{"claude-3-5-haiku-20241022", ModelPricing{Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1}},

	// OpenAI
	{"gpt-4.1", ModelPricing{Input: 2, Output: 8}},
	{"gpt-4.1-mini", ModelPricing{Input: 0.4, Output: 1.6}},
	{"gpt-4.1-nano", ModelPricing{Input: 0.1, Output: 0.4}},
	{"gpt-4o", ModelPricing{Input: 2.5, Output: 10}},
	{"gpt-4o-mini", ModelPricing{Input: 0.15, Output: 0.6}},
	{"o3", ModelPricing{Input: 2, Output: 8}},
	{"o3-mini", ModelPricing{Input: 1.1, Output: 4.4}},
	{"o4-mini", ModelPricing{Input: 1.1, Output: 4.4}},

	// Google
	{"gemini-2.5-pro", ModelPricing{Input: 1.25, Output: 10, CacheRead: 0.3125}},
	{"gemini-2.5-flash", ModelPricing{Input: 0.15, Output: 0.6}},
	{"gemini-2.0-flash", ModelPricing{Input: 0.1, Output: 0.4}},
	{"gemini-1.5-pro", ModelPricing{Input: 1.25, Output: 5}},
	{"gemini-1.5-flash", ModelPricing{Input: 0.075, Output: 0.3}},
}

// Table maps model names to pricing for exact lookups.
var Table = make(map[string]ModelPricing, len(tableOrder))

func init() {
	for _, e := range tableOrder {
		Table[e.model] = e.pricing
	}
}

// CopilotMultipliers maps model names to GitHub Copilot premium-request
// multipliers.
var CopilotMultipliers = map[string]float64{
	"gpt-4.1":         1,
	"claude-sonnet-4": 1,
	"o3":              1,
	"gemini-2.5-pro":  1,
}

var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// Resolve finds pricing for a model name. Resolution order: exact match,
// exact match after stripping a trailing -YYYYMMDD date suffix, then the
// first table entry in declaration order whose key is a prefix of or
// contained within the name. Returns nil when nothing matches.
func Resolve(model string) *ModelPricing {
	if p, ok := Table[model]; ok {
		return &p
	}

	withoutDate := dateSuffix.ReplaceAllString(model, "")
	if p, ok := Table[withoutDate]; ok {
		return &p
	}

	for _, e := range tableOrder {
		if strings.HasPrefix(model, e.model) || strings.Contains(model, e.model) {
			p := e.pricing
			return &p
		}
	}

	return nil
}

const perMillion = 1_000_000

// TokenCounts carries the per-category counts for one event.
type TokenCounts struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Reasoning  int64
}

// Calculate returns the cost in USD rounded to 6 decimal places, or nil when
// no pricing resolves for the model. Reasoning tokens bill at the output
// rate; cache tokens bill only when the resolved entry defines those rates.
func Calculate(model string, tokens TokenCounts) *float64 {
	p := Resolve(model)
	if p == nil {
		return nil
	}

	cost := float64(tokens.Input) / perMillion * p.Input
	cost += float64(tokens.Output) / perMillion * p.Output

	if tokens.CacheRead > 0 && p.CacheRead > 0 {
		cost += float64(tokens.CacheRead) / perMillion * p.CacheRead
	}
	if tokens.CacheWrite > 0 && p.CacheWrite > 0 {
		cost += float64(tokens.CacheWrite) / perMillion * p.CacheWrite
	}
	if tokens.Reasoning > 0 {
		cost += float64(tokens.Reasoning) / perMillion * p.Output
	}

	rounded := math.Round(cost*perMillion) / perMillion
	return &rounded
}
