package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/internal/logging"
	"github.com/token-monitor/token-monitor/internal/metrics"
	"github.com/token-monitor/token-monitor/internal/pricing"
	"github.com/token-monitor/token-monitor/pkg/models"
)

// EventType identifies the kind of engine notification delivered to
// subscribers. The set is closed; subscribers switch on it.
type EventType string

const (
	EventUsage           EventType = "usage"
	EventProviderAdded   EventType = "provider_added"
	EventProviderRemoved EventType = "provider_removed"
	EventBudgetAlert     EventType = "budget_alert"
)

// Event is one engine notification. Payload is *models.UsageEvent for
// EventUsage, *models.Provider for provider events, and *models.BudgetAlert
// for EventBudgetAlert.
type Event struct {
	Type    EventType
	Payload any
}

// Subscriber receives engine events synchronously, in pipeline order.
// Subscribers must not block.
type Subscriber func(Event)

// UsageStore persists canonical events and answers spend queries.
type UsageStore interface {
	InsertEvent(ctx context.Context, event *models.UsageEvent) error
	SpentSince(ctx context.Context, from time.Time, providerID string) (float64, error)
}

// ProviderStore persists provider registrations.
type ProviderStore interface {
	Create(ctx context.Context, p *models.Provider) error
	Get(ctx context.Context, id string) (*models.Provider, error)
	List(ctx context.Context, includeDeleted bool) ([]*models.Provider, error)
	UpdateStatus(ctx context.Context, id string, status models.ProviderStatus) error
	SoftDelete(ctx context.Context, id string) error
}

// BudgetStore lists the budgets evaluated on every ingested event.
type BudgetStore interface {
	List(ctx context.Context) ([]*models.Budget, error)
}

// Engine wires the ingestion channels to the store, the live instance map
// and the budget evaluator. All mutation of shared state happens under one
// mutex; the pipeline for a single event runs in a fixed order, so the
// aggregate a subscriber observes is always consistent with what was
// persisted.
type Engine struct {
	usage     UsageStore
	providers ProviderStore
	budgets   BudgetStore
	logger    *slog.Logger
	timeFunc  func() time.Time

	mu          sync.RWMutex
	instances   map[string]*models.Instance
	adapters    map[string]adapter.Adapter
	testers     map[models.ProviderType]adapter.Tester
	subscribers []Subscriber
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Engine) { e.timeFunc = fn }
}

// New creates an engine over the given stores.
func New(usage UsageStore, providers ProviderStore, budgets BudgetStore, opts ...Option) *Engine {
	e := &Engine{
		usage:     usage,
		providers: providers,
		budgets:   budgets,
		logger:    slog.Default(),
		timeFunc:  time.Now,
		instances: make(map[string]*models.Instance),
		adapters:  make(map[string]adapter.Adapter),
		testers:   make(map[models.ProviderType]adapter.Tester),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a subscriber for engine events. Subscriptions cannot
// be removed; they live as long as the engine.
func (e *Engine) Subscribe(fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) publish(event Event) {
	e.mu.RLock()
	subs := make([]Subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// IngestEvent runs the ingestion pipeline for one canonical event:
// normalize, compute cost, persist, fold into the live instance, publish,
// evaluate budgets. A persistence failure aborts the pipeline; everything
// after persistence is best-effort against the stored truth.
func (e *Engine) IngestEvent(ctx context.Context, event *models.UsageEvent) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}

	e.normalize(event)
	ctx = logging.WithProviderID(ctx, event.ProviderID)

	if err := e.usage.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	metrics.RecordEvent(string(event.Provider), string(event.Quality), event.CostOrZero(), event.CostUSD != nil)

	e.updateInstance(event)
	e.publish(Event{Type: EventUsage, Payload: event})

	alerts, err := e.evaluateBudgets(ctx, event)
	if err != nil {
		// Alerting must not fail ingestion; the event is already stored
		e.logger.WarnContext(ctx, "budget evaluation failed", slog.Any("error", err))
		return nil
	}
	for _, alert := range alerts {
		metrics.BudgetAlerts.WithLabelValues(fmt.Sprintf("%.0f", alert.Threshold)).Inc()
		e.logger.InfoContext(ctx, "budget threshold reached",
			slog.String("budget", alert.BudgetName),
			slog.Float64("percent", alert.Percent),
			slog.Float64("threshold", alert.Threshold))
		e.publish(Event{Type: EventBudgetAlert, Payload: alert})
	}
	return nil
}

// normalize fills the derivable fields an adapter may leave blank. Cost is
// computed at most once: events arriving with a cost keep it.
func (e *Engine) normalize(event *models.UsageEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = e.timeFunc().UnixMilli()
	}
	if event.Quality == "" {
		event.Quality = models.QualityExact
	}
	if event.TotalTokens == 0 {
		event.TotalTokens = event.InputTokens + event.OutputTokens
	}
	if event.CostUSD == nil && event.Model != "" {
		event.CostUSD = pricing.Calculate(event.Model, pricing.TokenCounts{
			Input:      event.InputTokens,
			Output:     event.OutputTokens,
			CacheRead:  event.CacheReadTokens,
			CacheWrite: event.CacheWriteTokens,
			Reasoning:  event.ReasoningTokens,
		})
	}
}

func (e *Engine) updateInstance(event *models.UsageEvent) {
	key := event.InstanceKey()

	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[key]
	if !ok {
		inst = &models.Instance{
			ID:           key,
			ProviderID:   event.ProviderID,
			ProviderType: event.Provider,
			Name:         key,
			StartedAt:    event.Time(),
		}
		e.instances[key] = inst
	}
	inst.Apply(event)
}

// GetInstances returns a point-in-time copy of the live aggregate, so
// callers can serialize it without racing the pipeline.
func (e *Engine) GetInstances() []*models.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		cp := *inst
		cp.Sparkline = append([]float64(nil), inst.Sparkline...)
		out = append(out, &cp)
	}
	return out
}

// evaluateBudgets re-evaluates every configured budget against the persisted
// rollups. The evaluator is stateless: a spend that stays above a threshold
// re-announces that threshold on every event in the period. Only the highest
// threshold reached fires, never one alert per crossed threshold.
func (e *Engine) evaluateBudgets(ctx context.Context, event *models.UsageEvent) ([]*models.BudgetAlert, error) {
	budgets, err := e.budgets.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}

	now := e.timeFunc()
	var alerts []*models.BudgetAlert
	for _, b := range budgets {
		if b.LimitUSD <= 0 {
			continue
		}
		if b.ProviderID != "" && b.ProviderID != event.ProviderID {
			continue
		}

		var from time.Time
		switch b.Period {
		case models.PeriodDaily:
			y, m, d := now.UTC().Date()
			from = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		case models.PeriodMonthly:
			y, m, _ := now.UTC().Date()
			from = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		default:
			// Weekly periods have no rollup window defined yet
			e.logger.DebugContext(ctx, "skipping budget with unsupported period",
				slog.String("budget", b.Name), slog.String("period", string(b.Period)))
			continue
		}

		spent, err := e.usage.SpentSince(ctx, from, b.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute spend for budget %s: %w", b.ID, err)
		}

		percent := spent / b.LimitUSD * 100
		highest := -1.0
		for _, threshold := range b.Thresholds {
			if percent >= threshold && threshold > highest {
				highest = threshold
			}
		}
		if highest < 0 {
			continue
		}

		alerts = append(alerts, &models.BudgetAlert{
			BudgetID:   b.ID,
			BudgetName: b.Name,
			SpentUSD:   spent,
			LimitUSD:   b.LimitUSD,
			Percent:    percent,
			Threshold:  highest,
			Timestamp:  now,
		})
	}
	return alerts, nil
}

// AddProvider registers a provider and notifies subscribers. Adapter wiring
// for the new provider is the caller's concern; see RegisterAdapter.
func (e *Engine) AddProvider(ctx context.Context, p *models.Provider) error {
	if !models.KnownType(p.Type) {
		return fmt.Errorf("unknown provider type: %s", p.Type)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.ProviderActive
	}

	if err := e.providers.Create(ctx, p); err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	e.logger.Info("provider added",
		slog.String("provider_id", p.ID), slog.String("type", string(p.Type)))
	e.publish(Event{Type: EventProviderAdded, Payload: p})
	return nil
}

// ListProviders returns the non-deleted provider registrations.
func (e *Engine) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	return e.providers.List(ctx, false)
}

// RemoveProvider stops and discards the provider's adapter, drops its live
// instances, soft-deletes the registration and notifies subscribers. Usage
// history stays attributable to the deleted provider.
func (e *Engine) RemoveProvider(ctx context.Context, id string) error {
	p, err := e.providers.Get(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	a := e.adapters[id]
	delete(e.adapters, id)
	for key, inst := range e.instances {
		if inst.ProviderID == id {
			delete(e.instances, key)
		}
	}
	e.mu.Unlock()

	if a != nil {
		a.Stop()
	}

	if err := e.providers.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}

	e.logger.Info("provider removed", slog.String("provider_id", id))
	p.Status = models.ProviderDeleted
	e.publish(Event{Type: EventProviderRemoved, Payload: p})
	return nil
}

// RegisterAdapter attaches a running-capable adapter to a provider id.
// Replacing an existing adapter stops the old one first.
func (e *Engine) RegisterAdapter(providerID string, a adapter.Adapter) {
	e.mu.Lock()
	old := e.adapters[providerID]
	e.adapters[providerID] = a
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// RegisterTester makes a connection tester available for a provider type.
func (e *Engine) RegisterTester(t models.ProviderType, tester adapter.Tester) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.testers[t] = tester
}

// TestConnection delegates to the matching adapter's connection test.
// Failures come back as a result, never as an error.
func (e *Engine) TestConnection(ctx context.Context, t models.ProviderType, config string) models.TestResult {
	e.mu.RLock()
	tester, ok := e.testers[t]
	e.mu.RUnlock()

	if !ok {
		return adapter.Invalid(fmt.Sprintf("no adapter registered for type %s", t))
	}
	return tester.TestConnection(ctx, config)
}

// StartAdapters starts every registered adapter. A failed start marks the
// provider errored and keeps going; one broken channel must not take down
// the rest.
func (e *Engine) StartAdapters(ctx context.Context) {
	e.mu.RLock()
	adapters := make(map[string]adapter.Adapter, len(e.adapters))
	for id, a := range e.adapters {
		adapters[id] = a
	}
	e.mu.RUnlock()

	for id, a := range adapters {
		if err := a.Start(ctx); err != nil {
			e.logger.Error("failed to start adapter",
				slog.String("provider_id", id), slog.Any("error", err))
			if uerr := e.providers.UpdateStatus(ctx, id, models.ProviderError); uerr != nil {
				e.logger.Warn("failed to mark provider errored",
					slog.String("provider_id", id), slog.Any("error", uerr))
			}
			continue
		}
		e.logger.Info("adapter started",
			slog.String("provider_id", id), slog.String("type", string(a.Type())))
	}
}

// StopAll synchronously stops every adapter. No event from a stopped
// adapter is delivered after this returns.
func (e *Engine) StopAll() {
	e.mu.Lock()
	adapters := make([]adapter.Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		adapters = append(adapters, a)
	}
	e.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
}
