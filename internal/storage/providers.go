package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/token-monitor/token-monitor/pkg/models"
)

// ErrProviderNotFound is returned when a provider id does not exist
var ErrProviderNotFound = errors.New("provider not found")

// ProviderStore handles provider persistence
type ProviderStore struct {
	db *DB
}

// NewProviderStore creates a new provider store
func NewProviderStore(db *DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// Create registers a new provider
func (s *ProviderStore) Create(ctx context.Context, p *models.Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.ProviderActive
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, type, name, config, is_estimated, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, string(p.Type), p.Name, nullable(p.Config), p.IsEstimated, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// Get returns one provider by id, including soft-deleted ones
func (s *ProviderStore) Get(ctx context.Context, id string) (*models.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, COALESCE(config, ''), is_estimated, status, created_at, updated_at
		FROM providers WHERE id = ?
	`, id)
	return scanProvider(row)
}

// List returns all providers. Soft-deleted providers are excluded unless
// includeDeleted is set.
func (s *ProviderStore) List(ctx context.Context, includeDeleted bool) ([]*models.Provider, error) {
	query := `
		SELECT id, type, name, COALESCE(config, ''), is_estimated, status, created_at, updated_at
		FROM providers
	`
	if !includeDeleted {
		query += ` WHERE status != 'deleted'`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var result []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateStatus flips a provider's lifecycle status
func (s *ProviderStore) UpdateStatus(ctx context.Context, id string, status models.ProviderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	return requireRow(res)
}

// UpdateConfig replaces a provider's encrypted connection config
func (s *ProviderStore) UpdateConfig(ctx context.Context, id string, config string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET config = ?, updated_at = ? WHERE id = ?
	`, nullable(config), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update provider config: %w", err)
	}
	return requireRow(res)
}

// SoftDelete marks a provider deleted. The row is kept so historic usage
// remains attributable.
func (s *ProviderStore) SoftDelete(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, models.ProviderDeleted)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*models.Provider, error) {
	var p models.Provider
	var typ, status string
	err := row.Scan(&p.ID, &typ, &p.Name, &p.Config, &p.IsEstimated, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	p.Type = models.ProviderType(typ)
	p.Status = models.ProviderStatus(status)
	return &p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrProviderNotFound
	}
	return nil
}
