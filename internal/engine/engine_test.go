package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-monitor/token-monitor/internal/logging"
	"github.com/token-monitor/token-monitor/pkg/models"
)

type mockUsageStore struct {
	mu        sync.Mutex
	events    []*models.UsageEvent
	insertErr error
}

func (m *mockUsageStore) InsertEvent(ctx context.Context, event *models.UsageEvent) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockUsageStore) SpentSince(ctx context.Context, from time.Time, providerID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, e := range m.events {
		if e.Time().Before(from) {
			continue
		}
		if providerID != "" && e.ProviderID != providerID {
			continue
		}
		total += e.CostOrZero()
	}
	return total, nil
}

type mockProviderStore struct {
	mu        sync.Mutex
	providers map[string]*models.Provider
	statuses  map[string]models.ProviderStatus
}

func newMockProviderStore() *mockProviderStore {
	return &mockProviderStore{
		providers: make(map[string]*models.Provider),
		statuses:  make(map[string]models.ProviderStatus),
	}
}

func (m *mockProviderStore) Create(ctx context.Context, p *models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
	return nil
}

func (m *mockProviderStore) Get(ctx context.Context, id string) (*models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, errors.New("provider not found")
	}
	return p, nil
}

func (m *mockProviderStore) List(ctx context.Context, includeDeleted bool) ([]*models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Provider
	for _, p := range m.providers {
		if !includeDeleted && p.Status == models.ProviderDeleted {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockProviderStore) UpdateStatus(ctx context.Context, id string, status models.ProviderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func (m *mockProviderStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return errors.New("provider not found")
	}
	p.Status = models.ProviderDeleted
	return nil
}

type mockBudgetStore struct {
	budgets []*models.Budget
	listErr error
}

func (m *mockBudgetStore) List(ctx context.Context) ([]*models.Budget, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.budgets, nil
}

type mockAdapter struct {
	providerType models.ProviderType
	startErr     error
	mu           sync.Mutex
	started      int
	stopped      int
}

func (a *mockAdapter) Type() models.ProviderType { return a.providerType }

func (a *mockAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started++
	return nil
}

func (a *mockAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
}

func (a *mockAdapter) TestConnection(ctx context.Context, config string) models.TestResult {
	return models.TestResult{Valid: true, Info: "mock"}
}

func newTestEngine(budgets ...*models.Budget) (*Engine, *mockUsageStore, *mockProviderStore) {
	usage := &mockUsageStore{}
	providers := newMockProviderStore()
	e := New(usage, providers, &mockBudgetStore{budgets: budgets})
	return e, usage, providers
}

func collectEvents(e *Engine) *[]Event {
	var mu sync.Mutex
	events := &[]Event{}
	e.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, ev)
	})
	return events
}

func usageEvent(providerID string, cost float64) *models.UsageEvent {
	return &models.UsageEvent{
		Provider:     models.ProviderOpenAIAPI,
		ProviderID:   providerID,
		InstanceID:   "inst-" + providerID,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      &cost,
		Quality:      models.QualityExact,
	}
}

func TestIngestEvent_ComputesCostFromPricing(t *testing.T) {
	e, usage, _ := newTestEngine()

	event := &models.UsageEvent{
		Provider:     models.ProviderOpenAIAPI,
		ProviderID:   "p1",
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
	}
	require.NoError(t, e.IngestEvent(context.Background(), event))

	require.NotNil(t, event.CostUSD)
	assert.InDelta(t, 0.0075, *event.CostUSD, 1e-9)
	assert.NotEmpty(t, event.ID)
	assert.NotZero(t, event.Timestamp)
	assert.Equal(t, int64(1500), event.TotalTokens)
	assert.Equal(t, models.QualityExact, event.Quality)
	require.Len(t, usage.events, 1)
}

func TestIngestEvent_KeepsProvidedCost(t *testing.T) {
	e, _, _ := newTestEngine()

	reported := 0.00125
	event := &models.UsageEvent{
		Provider:     models.ProviderOpenRouter,
		ProviderID:   "p1",
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		CostUSD:      &reported,
	}
	require.NoError(t, e.IngestEvent(context.Background(), event))

	// Provider-reported cost is never recomputed
	require.NotNil(t, event.CostUSD)
	assert.Equal(t, reported, *event.CostUSD)
}

func TestIngestEvent_UnresolvedPricingLeavesCostNull(t *testing.T) {
	e, usage, _ := newTestEngine()

	event := &models.UsageEvent{
		Provider:     models.ProviderAnthropicAPI,
		ProviderID:   "p1",
		Model:        "some-future-model",
		InputTokens:  1000,
		OutputTokens: 500,
	}
	require.NoError(t, e.IngestEvent(context.Background(), event))

	assert.Nil(t, event.CostUSD)
	require.Len(t, usage.events, 1, "event is fully recorded without pricing")
}

func TestIngestEvent_PersistFailureAbortsPipeline(t *testing.T) {
	usage := &mockUsageStore{insertErr: errors.New("disk full")}
	e := New(usage, newMockProviderStore(), &mockBudgetStore{})
	published := collectEvents(e)

	err := e.IngestEvent(context.Background(), usageEvent("p1", 0.01))
	require.Error(t, err)
	assert.Empty(t, e.GetInstances())
	assert.Empty(t, *published)
}

func TestIngestEvent_UpdatesInstance(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.IngestEvent(ctx, usageEvent("p1", 0.01)))
	require.NoError(t, e.IngestEvent(ctx, usageEvent("p1", 0.02)))

	instances := e.GetInstances()
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, "inst-p1", inst.ID)
	assert.Equal(t, int64(200), inst.TotalInputTokens)
	assert.Equal(t, int64(100), inst.TotalOutputTokens)
	assert.InDelta(t, 0.03, inst.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2), inst.RequestCount)
	assert.Equal(t, models.InstanceActive, inst.Status)
	assert.Equal(t, []float64{0.01, 0.02}, inst.Sparkline)
}

func TestGetInstances_ReturnsSnapshot(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 0.01)))

	snapshot := e.GetInstances()
	require.Len(t, snapshot, 1)
	snapshot[0].TotalCostUSD = 999
	snapshot[0].Sparkline[0] = 999

	fresh := e.GetInstances()
	assert.InDelta(t, 0.01, fresh[0].TotalCostUSD, 1e-9)
	assert.Equal(t, []float64{0.01}, fresh[0].Sparkline)
}

func TestIngestEvent_PublishesUsage(t *testing.T) {
	e, _, _ := newTestEngine()
	published := collectEvents(e)

	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 0.01)))

	require.Len(t, *published, 1)
	assert.Equal(t, EventUsage, (*published)[0].Type)
	payload, ok := (*published)[0].Payload.(*models.UsageEvent)
	require.True(t, ok)
	assert.Equal(t, "p1", payload.ProviderID)
}

func TestIngestEvent_LogsCarryProviderID(t *testing.T) {
	budget := &models.Budget{
		ID:         "b1",
		Name:       "daily cap",
		Period:     models.PeriodDaily,
		LimitUSD:   10,
		Thresholds: models.DefaultThresholds,
	}
	var buf bytes.Buffer
	logger := slog.New(&logging.ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})
	e := New(&mockUsageStore{}, newMockProviderStore(),
		&mockBudgetStore{budgets: []*models.Budget{budget}}, WithLogger(logger))

	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 9.0)))

	// The ingestion context carries the provider id into every log line
	assert.Contains(t, buf.String(), "budget threshold reached")
	assert.Contains(t, buf.String(), `"provider_id":"p1"`)
}

func TestBudget_FiresOnlyHighestThreshold(t *testing.T) {
	budget := &models.Budget{
		ID:         "b1",
		Name:       "daily cap",
		Period:     models.PeriodDaily,
		LimitUSD:   10,
		Thresholds: models.DefaultThresholds,
	}
	e, _, _ := newTestEngine(budget)
	published := collectEvents(e)

	// $9 against a $10 limit crosses 75 and 90, but only 90 fires
	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 9.0)))

	var alerts []*models.BudgetAlert
	for _, ev := range *published {
		if ev.Type == EventBudgetAlert {
			alerts = append(alerts, ev.Payload.(*models.BudgetAlert))
		}
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, 90.0, alerts[0].Threshold)
	assert.InDelta(t, 9.0, alerts[0].SpentUSD, 1e-9)
	assert.InDelta(t, 90.0, alerts[0].Percent, 1e-9)
	assert.Equal(t, "daily cap", alerts[0].BudgetName)
}

func TestBudget_BelowAllThresholdsIsSilent(t *testing.T) {
	budget := &models.Budget{
		ID: "b1", Name: "daily cap", Period: models.PeriodDaily,
		LimitUSD: 10, Thresholds: models.DefaultThresholds,
	}
	e, _, _ := newTestEngine(budget)
	published := collectEvents(e)

	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 1.0)))

	for _, ev := range *published {
		assert.NotEqual(t, EventBudgetAlert, ev.Type)
	}
}

func TestBudget_StatelessReevaluation(t *testing.T) {
	budget := &models.Budget{
		ID: "b1", Name: "daily cap", Period: models.PeriodDaily,
		LimitUSD: 10, Thresholds: models.DefaultThresholds,
	}
	e, _, _ := newTestEngine(budget)
	published := collectEvents(e)
	ctx := context.Background()

	require.NoError(t, e.IngestEvent(ctx, usageEvent("p1", 9.0)))
	require.NoError(t, e.IngestEvent(ctx, usageEvent("p1", 0.1)))

	// No already-notified memory: the threshold re-fires on the next event
	var thresholds []float64
	for _, ev := range *published {
		if ev.Type == EventBudgetAlert {
			thresholds = append(thresholds, ev.Payload.(*models.BudgetAlert).Threshold)
		}
	}
	assert.Equal(t, []float64{90, 90}, thresholds)
}

func TestBudget_ProviderScope(t *testing.T) {
	budget := &models.Budget{
		ID: "b1", Name: "scoped", ProviderID: "p2", Period: models.PeriodDaily,
		LimitUSD: 10, Thresholds: models.DefaultThresholds,
	}
	e, _, _ := newTestEngine(budget)
	published := collectEvents(e)

	// Spend on p1 does not count against a budget scoped to p2
	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 20.0)))

	for _, ev := range *published {
		assert.NotEqual(t, EventBudgetAlert, ev.Type)
	}
}

func TestBudget_WeeklyPeriodSkipped(t *testing.T) {
	budget := &models.Budget{
		ID: "b1", Name: "weekly", Period: models.PeriodWeekly,
		LimitUSD: 1, Thresholds: models.DefaultThresholds,
	}
	e, _, _ := newTestEngine(budget)
	published := collectEvents(e)

	require.NoError(t, e.IngestEvent(context.Background(), usageEvent("p1", 50.0)))

	for _, ev := range *published {
		assert.NotEqual(t, EventBudgetAlert, ev.Type)
	}
}

func TestAddProvider(t *testing.T) {
	e, _, providers := newTestEngine()
	published := collectEvents(e)

	p := &models.Provider{Type: models.ProviderAnthropicAPI, Name: "work key"}
	require.NoError(t, e.AddProvider(context.Background(), p))

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.ProviderActive, p.Status)
	_, ok := providers.providers[p.ID]
	assert.True(t, ok)

	require.Len(t, *published, 1)
	assert.Equal(t, EventProviderAdded, (*published)[0].Type)
}

func TestAddProvider_UnknownType(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.AddProvider(context.Background(), &models.Provider{Type: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}

func TestRemoveProvider(t *testing.T) {
	e, _, providers := newTestEngine()
	ctx := context.Background()

	p := &models.Provider{Type: models.ProviderAnthropicAPI, Name: "work key"}
	require.NoError(t, e.AddProvider(ctx, p))

	a := &mockAdapter{providerType: models.ProviderAnthropicAPI}
	e.RegisterAdapter(p.ID, a)
	require.NoError(t, e.IngestEvent(ctx, &models.UsageEvent{
		Provider: models.ProviderAnthropicAPI, ProviderID: p.ID, InputTokens: 10,
	}))
	require.Len(t, e.GetInstances(), 1)

	published := collectEvents(e)
	require.NoError(t, e.RemoveProvider(ctx, p.ID))

	assert.Equal(t, 1, a.stopped)
	assert.Empty(t, e.GetInstances())
	assert.Equal(t, models.ProviderDeleted, providers.providers[p.ID].Status)
	require.Len(t, *published, 1)
	assert.Equal(t, EventProviderRemoved, (*published)[0].Type)
}

func TestTestConnection_Delegates(t *testing.T) {
	e, _, _ := newTestEngine()
	e.RegisterTester(models.ProviderAnthropicAPI, &mockAdapter{})

	result := e.TestConnection(context.Background(), models.ProviderAnthropicAPI, "{}")
	assert.True(t, result.Valid)
	assert.Equal(t, "mock", result.Info)
}

func TestTestConnection_UnregisteredType(t *testing.T) {
	e, _, _ := newTestEngine()
	result := e.TestConnection(context.Background(), models.ProviderGeminiAPI, "{}")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Info, "no adapter registered")
}

func TestStartAdapters_FailureMarksProviderErrored(t *testing.T) {
	e, _, providers := newTestEngine()

	good := &mockAdapter{providerType: models.ProviderAnthropicAPI}
	bad := &mockAdapter{providerType: models.ProviderOpenAIAPI, startErr: errors.New("bad key")}
	e.RegisterAdapter("p-good", good)
	e.RegisterAdapter("p-bad", bad)

	e.StartAdapters(context.Background())

	assert.Equal(t, 1, good.started)
	assert.Equal(t, models.ProviderError, providers.statuses["p-bad"])
	_, marked := providers.statuses["p-good"]
	assert.False(t, marked)
}

func TestStopAll(t *testing.T) {
	e, _, _ := newTestEngine()
	a1 := &mockAdapter{}
	a2 := &mockAdapter{}
	e.RegisterAdapter("p1", a1)
	e.RegisterAdapter("p2", a2)

	e.StopAll()
	assert.Equal(t, 1, a1.stopped)
	assert.Equal(t, 1, a2.stopped)
}

func TestRegisterAdapter_ReplacementStopsOld(t *testing.T) {
	e, _, _ := newTestEngine()
	old := &mockAdapter{}
	e.RegisterAdapter("p1", old)
	e.RegisterAdapter("p1", &mockAdapter{})
	assert.Equal(t, 1, old.stopped)
}
