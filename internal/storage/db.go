package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationProviders,
		migrationUsageRecords,
		migrationUsageHourly,
		migrationUsageDaily,
		migrationBudgets,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationProviders = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	config TEXT,
	is_estimated INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	model TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL,
	quality TEXT NOT NULL DEFAULT 'exact',
	instance_id TEXT,
	session_id TEXT,
	request_id TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationUsageHourly = `
CREATE TABLE IF NOT EXISTS usage_hourly (
	provider_id TEXT NOT NULL,
	hour DATETIME NOT NULL,
	model TEXT NOT NULL,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider_id, hour, model)
);
`

const migrationUsageDaily = `
CREATE TABLE IF NOT EXISTS usage_daily (
	provider_id TEXT NOT NULL,
	date DATE NOT NULL,
	model TEXT NOT NULL,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider_id, date, model)
);
`

const migrationBudgets = `
CREATE TABLE IF NOT EXISTS budgets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider_id TEXT,
	period TEXT NOT NULL,
	limit_usd REAL NOT NULL,
	thresholds TEXT NOT NULL DEFAULT '[75,90,100]',
	notify_channels TEXT NOT NULL DEFAULT '["push"]',
	is_hard_cap INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_instance ON usage_records(instance_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_hourly_time ON usage_hourly(hour);
CREATE INDEX IF NOT EXISTS idx_daily_date ON usage_daily(date);
CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(status);
`
