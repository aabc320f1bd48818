package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/token-monitor/token-monitor/pkg/models"
)

// UsageStore handles raw usage records and their rollups
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// DayStats holds aggregated usage for one scope
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

// dateOf returns the UTC day bucket for an event timestamp
func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// hourOf returns the UTC hour bucket for an event timestamp
func hourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// InsertEvent appends the raw record and folds it into the hourly and daily
// rollups in a single transaction. Rollup columns are only ever incremented,
// never overwritten, so replayed or out-of-order events remain additive.
func (s *UsageStore) InsertEvent(ctx context.Context, event *models.UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var metadata any
	if len(event.Meta) > 0 {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(raw)
	}

	var cost any
	if event.CostUSD != nil {
		cost = *event.CostUSD
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, provider_id, provider_type, timestamp, model,
			 input_tokens, output_tokens, total_tokens,
			 cache_read_tokens, cache_write_tokens, reasoning_tokens,
			 cost_usd, quality, instance_id, session_id, request_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.ProviderID,
		string(event.Provider),
		event.Time().UTC(),
		nullable(event.Model),
		event.InputTokens,
		event.OutputTokens,
		event.TotalTokens,
		event.CacheReadTokens,
		event.CacheWriteTokens,
		event.ReasoningTokens,
		cost,
		string(event.Quality),
		nullable(event.InstanceID),
		nullable(event.SessionID),
		nullable(event.RequestID),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	model := event.Model
	if model == "" {
		model = "unknown"
	}
	cacheTokens := event.CacheReadTokens + event.CacheWriteTokens

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_hourly
			(provider_id, hour, model, total_input_tokens, total_output_tokens,
			 total_cache_tokens, total_cost_usd, request_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(provider_id, hour, model) DO UPDATE SET
			total_input_tokens = total_input_tokens + excluded.total_input_tokens,
			total_output_tokens = total_output_tokens + excluded.total_output_tokens,
			total_cache_tokens = total_cache_tokens + excluded.total_cache_tokens,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			request_count = request_count + 1
	`,
		event.ProviderID, hourOf(event.Time()), model,
		event.InputTokens, event.OutputTokens, cacheTokens, event.CostOrZero(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hourly rollup: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_daily
			(provider_id, date, model, total_input_tokens, total_output_tokens,
			 total_cost_usd, request_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(provider_id, date, model) DO UPDATE SET
			total_input_tokens = total_input_tokens + excluded.total_input_tokens,
			total_output_tokens = total_output_tokens + excluded.total_output_tokens,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			request_count = request_count + 1
	`,
		event.ProviderID, dateOf(event.Time()), model,
		event.InputTokens, event.OutputTokens, event.CostOrZero(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage insert: %w", err)
	}

	return nil
}

// SpentSince returns total cost in USD from the daily rollups for dates on
// or after from, optionally scoped to one provider.
func (s *UsageStore) SpentSince(ctx context.Context, from time.Time, providerID string) (float64, error) {
	query := `SELECT COALESCE(SUM(total_cost_usd), 0) FROM usage_daily WHERE date >= ?`
	args := []any{dateOf(from)}

	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to query spend: %w", err)
	}
	return total, nil
}

// TodayStats returns aggregated usage for the current UTC day, optionally
// scoped to one provider.
func (s *UsageStore) TodayStats(ctx context.Context, providerID string, now time.Time) (*DayStats, error) {
	query := `
		SELECT
			COALESCE(SUM(total_input_tokens), 0),
			COALESCE(SUM(total_output_tokens), 0),
			COALESCE(SUM(total_cost_usd), 0),
			COALESCE(SUM(request_count), 0)
		FROM usage_daily
		WHERE date = ?
	`
	args := []any{dateOf(now)}

	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}

	stats := &DayStats{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInputTokens,
		&stats.TotalOutputTokens,
		&stats.TotalCostUSD,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query today stats: %w", err)
	}
	return stats, nil
}

// SummarySince returns per-(provider, model) usage lines for dates on or
// after from.
func (s *UsageStore) SummarySince(ctx context.Context, from time.Time) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, model,
			COALESCE(SUM(total_input_tokens), 0),
			COALESCE(SUM(total_output_tokens), 0),
			COALESCE(SUM(total_cost_usd), 0),
			COALESCE(SUM(request_count), 0)
		FROM usage_daily
		WHERE date >= ?
		GROUP BY provider_id, model
		ORDER BY SUM(total_cost_usd) DESC
	`, dateOf(from))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var result []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.ProviderID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Sparkline returns the last n hourly cost samples for a provider, oldest
// first.
func (s *UsageStore) Sparkline(ctx context.Context, providerID string, n int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT total_cost_usd FROM usage_hourly
		WHERE provider_id = ?
		ORDER BY hour DESC LIMIT ?
	`, providerID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query sparkline: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan sparkline value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// nullable maps empty strings to SQL NULL
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
