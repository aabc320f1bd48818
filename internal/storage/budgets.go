package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/token-monitor/token-monitor/pkg/models"
)

// ErrBudgetNotFound is returned when a budget id does not exist
var ErrBudgetNotFound = errors.New("budget not found")

// BudgetStore handles budget persistence
type BudgetStore struct {
	db *DB
}

// NewBudgetStore creates a new budget store
func NewBudgetStore(db *DB) *BudgetStore {
	return &BudgetStore{db: db}
}

// Create registers a new budget rule
func (s *BudgetStore) Create(ctx context.Context, b *models.Budget) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if len(b.Thresholds) == 0 {
		b.Thresholds = append([]float64(nil), models.DefaultThresholds...)
	}
	if len(b.NotifyChannels) == 0 {
		b.NotifyChannels = []models.AlertChannel{models.ChannelPush}
	}
	b.CreatedAt = time.Now().UTC()

	thresholds, err := json.Marshal(b.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	channels, err := json.Marshal(b.NotifyChannels)
	if err != nil {
		return fmt.Errorf("failed to marshal notify channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, name, provider_id, period, limit_usd, thresholds, notify_channels, is_hard_cap, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Name, nullable(b.ProviderID), string(b.Period), b.LimitUSD,
		string(thresholds), string(channels), b.IsHardCap, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

// List returns all budget rules
func (s *BudgetStore) List(ctx context.Context) ([]*models.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(provider_id, ''), period, limit_usd, thresholds, notify_channels, is_hard_cap, created_at
		FROM budgets ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var result []*models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// Get returns one budget by id
func (s *BudgetStore) Get(ctx context.Context, id string) (*models.Budget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(provider_id, ''), period, limit_usd, thresholds, notify_channels, is_hard_cap, created_at
		FROM budgets WHERE id = ?
	`, id)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBudgetNotFound
	}
	return b, err
}

// Delete removes a budget rule
func (s *BudgetStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

func scanBudget(row rowScanner) (*models.Budget, error) {
	var b models.Budget
	var period, thresholds, channels string
	err := row.Scan(&b.ID, &b.Name, &b.ProviderID, &period, &b.LimitUSD, &thresholds, &channels, &b.IsHardCap, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Period = models.BudgetPeriod(period)
	if err := json.Unmarshal([]byte(thresholds), &b.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &b.NotifyChannels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notify channels: %w", err)
	}
	return &b, nil
}
