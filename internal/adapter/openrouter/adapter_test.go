package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/token-monitor/token-monitor/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []*models.UsageEvent
}

func (r *recorder) IngestEvent(ctx context.Context, event *models.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) all() []*models.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.UsageEvent(nil), r.events...)
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/key", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":{"usage":1.2345,"limit":10}}`))
	}))
	defer server.Close()

	a := New("prov-1", "good-key", &recorder{}, WithBaseURL(server.URL))
	result := a.TestConnection(context.Background(), "")
	assert.True(t, result.Valid)
	assert.Contains(t, result.Info, "$1.2345")
	assert.Contains(t, result.Info, "$10.00")

	result = a.TestConnection(context.Background(), `{"api_key":"bad-key"}`)
	assert.False(t, result.Valid)
}

func TestProcessResponse_CostFromHeader(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	header := http.Header{}
	header.Set("x-openrouter-cost", "0.00125")
	body := []byte(`{
		"id": "gen-42",
		"model": "anthropic/claude-sonnet-4",
		"usage": {"prompt_tokens": 100, "completion_tokens": 30, "total_tokens": 130}
	}`)
	a.ProcessResponse(context.Background(), body, header, "")

	events := rec.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, models.ProviderOpenRouter, e.Provider)
	assert.Equal(t, "gen-42", e.RequestID)
	assert.Equal(t, int64(130), e.TotalTokens)
	require.NotNil(t, e.CostUSD)
	assert.Equal(t, 0.00125, *e.CostUSD)
}

func TestProcessResponse_NoHeaderLeavesCostNil(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	body := []byte(`{"id":"gen-1","model":"m","usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	a.ProcessResponse(context.Background(), body, http.Header{}, "")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].CostUSD)
}

func TestPollGenerations_DeduplicatesByID(t *testing.T) {
	// Newest first, as the API returns them
	const page = `{
		"data": [
			{"id": "gen-003", "model": "m", "created_at": "2025-06-01T12:02:00Z", "tokens_prompt": 30, "tokens_completion": 3, "total_cost": 0.003},
			{"id": "gen-002", "model": "m", "created_at": "2025-06-01T12:01:00Z", "tokens_prompt": 20, "tokens_completion": 2, "total_cost": 0.002},
			{"id": "gen-001", "model": "m", "created_at": "2025-06-01T12:00:00Z", "tokens_prompt": 10, "tokens_completion": 1, "total_cost": 0.001}
		]
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generation", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(page))
	}))
	defer server.Close()

	rec := &recorder{}
	a := New("prov-1", "key", rec, WithBaseURL(server.URL),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	require.NoError(t, a.pollGenerations(context.Background()))
	assert.Len(t, rec.all(), 3)

	// Second cycle returns the same page; nothing is strictly newer
	require.NoError(t, a.pollGenerations(context.Background()))
	assert.Len(t, rec.all(), 3)

	events := rec.all()
	assert.Equal(t, "gen-003", events[0].RequestID)
	assert.Equal(t, int64(33), events[0].TotalTokens)
	require.NotNil(t, events[0].CostUSD)
	assert.Equal(t, 0.003, *events[0].CostUSD)
	assert.Equal(t, models.QualityExact, events[0].Quality)
}

func TestPollGenerations_NonSuccessSkipsCycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	rec := &recorder{}
	a := New("prov-1", "key", rec, WithBaseURL(server.URL))

	err := a.pollGenerations(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.all())
}
