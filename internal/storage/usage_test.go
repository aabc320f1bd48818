package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-monitor/token-monitor/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func ptr(f float64) *float64 { return &f }

func testEvent(providerID, model string, input, output int64, cost *float64, ts time.Time) *models.UsageEvent {
	return &models.UsageEvent{
		Timestamp:    ts.UnixMilli(),
		Provider:     models.ProviderOpenAIAPI,
		ProviderID:   providerID,
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		CostUSD:      cost,
		Quality:      models.QualityExact,
	}
}

func TestUsageStore_InsertEvent(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	event := testEvent("prov-1", "gpt-4o", 1000, 500, ptr(0.0075), ts)
	event.Meta = map[string]any{"source": "proxy"}

	require.NoError(t, store.InsertEvent(ctx, event))
	assert.NotEmpty(t, event.ID) // id assigned on insert

	stats, err := store.TodayStats(ctx, "prov-1", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.TotalInputTokens)
	assert.Equal(t, int64(500), stats.TotalOutputTokens)
	assert.Equal(t, 0.0075, stats.TotalCostUSD)
	assert.Equal(t, int64(1), stats.RequestCount)
}

func TestUsageStore_RollupsAreAdditive(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := testEvent("prov-1", "gpt-4o", 100, 50, ptr(0.001), ts)
	b := testEvent("prov-1", "gpt-4o", 200, 100, ptr(0.002), ts.Add(10*time.Minute))

	require.NoError(t, store.InsertEvent(ctx, a))
	require.NoError(t, store.InsertEvent(ctx, b))

	forward, err := store.TodayStats(ctx, "prov-1", ts)
	require.NoError(t, err)

	// Same two events in the opposite order yield identical totals
	db2 := newTestDB(t)
	store2 := NewUsageStore(db2)
	b2 := testEvent("prov-1", "gpt-4o", 200, 100, ptr(0.002), ts.Add(10*time.Minute))
	a2 := testEvent("prov-1", "gpt-4o", 100, 50, ptr(0.001), ts)
	require.NoError(t, store2.InsertEvent(ctx, b2))
	require.NoError(t, store2.InsertEvent(ctx, a2))

	reversed, err := store2.TodayStats(ctx, "prov-1", ts)
	require.NoError(t, err)

	assert.Equal(t, forward, reversed)
	assert.Equal(t, int64(300), forward.TotalInputTokens)
	assert.Equal(t, 0.003, forward.TotalCostUSD)
	assert.Equal(t, int64(2), forward.RequestCount)
}

func TestUsageStore_NullCostRecorded(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	event := testEvent("prov-1", "mystery-model", 100, 50, nil, ts)
	require.NoError(t, store.InsertEvent(ctx, event))

	// Event with no resolvable cost still lands in the rollups
	stats, err := store.TodayStats(ctx, "prov-1", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.Equal(t, 0.0, stats.TotalCostUSD)

	var cost *float64
	err = db.QueryRowContext(ctx, `SELECT cost_usd FROM usage_records WHERE id = ?`, event.ID).Scan(&cost)
	require.NoError(t, err)
	assert.Nil(t, cost)
}

func TestUsageStore_SpentSince(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	today := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	lastMonth := today.AddDate(0, -1, 0)

	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 0, 0, ptr(1.0), today)))
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 0, 0, ptr(2.0), yesterday)))
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-2", "gpt-4o", 0, 0, ptr(4.0), today)))
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 0, 0, ptr(8.0), lastMonth)))

	dayStart := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	spent, err := store.SpentSince(ctx, dayStart, "")
	require.NoError(t, err)
	assert.Equal(t, 5.0, spent)

	spent, err = store.SpentSince(ctx, dayStart, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, spent)

	monthStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	spent, err = store.SpentSince(ctx, monthStart, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, spent)
}

func TestUsageStore_Sparkline(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 0, 0, ptr(float64(i+1)), ts)))
	}

	values, err := store.Sparkline(ctx, "prov-1", 3)
	require.NoError(t, err)
	// Last 3 hours, oldest first
	assert.Equal(t, []float64{3, 4, 5}, values)
}

func TestUsageStore_SummarySince(t *testing.T) {
	db := newTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 100, 50, ptr(2.0), ts)))
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-1", "gpt-4o", 100, 50, ptr(1.0), ts)))
	require.NoError(t, store.InsertEvent(ctx, testEvent("prov-2", "claude-sonnet-4", 10, 5, ptr(0.5), ts)))

	rows, err := store.SummarySince(ctx, ts.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "prov-1", rows[0].ProviderID)
	assert.Equal(t, 3.0, rows[0].CostUSD)
	assert.Equal(t, int64(2), rows[0].RequestCount)
	assert.Equal(t, "claude-sonnet-4", rows[1].Model)
}
