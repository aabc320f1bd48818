package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		if r.Header.Get("x-api-key") == "good-key" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	a := New("prov-1", "good-key", &recorder{}, WithBaseURL(server.URL))
	result := a.TestConnection(context.Background(), "")
	assert.True(t, result.Valid)
	assert.Equal(t, "API key verified", result.Info)

	// Config key overrides the adapter's own
	result = a.TestConnection(context.Background(), `{"api_key":"bad-key"}`)
	assert.False(t, result.Valid)
	assert.Equal(t, "HTTP 401", result.Info)
}

func TestTestConnection_NetworkError(t *testing.T) {
	a := New("prov-1", "key", &recorder{}, WithBaseURL("http://127.0.0.1:1"))
	result := a.TestConnection(context.Background(), "")
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Info)
}

func TestProcessResponse(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	body := []byte(`{
		"id": "msg_01",
		"model": "claude-sonnet-4",
		"stop_reason": "end_turn",
		"usage": {
			"input_tokens": 120,
			"output_tokens": 45,
			"cache_read_input_tokens": 300,
			"cache_creation_input_tokens": 10
		}
	}`)
	a.ProcessResponse(context.Background(), body, http.Header{}, "")

	events := rec.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, models.ProviderAnthropicAPI, e.Provider)
	assert.Equal(t, "anthropic-prov-1", e.InstanceID)
	assert.Equal(t, "msg_01", e.RequestID)
	assert.Equal(t, "claude-sonnet-4", e.Model)
	assert.Equal(t, int64(120), e.InputTokens)
	assert.Equal(t, int64(45), e.OutputTokens)
	assert.Equal(t, int64(300), e.CacheReadTokens)
	assert.Equal(t, int64(10), e.CacheWriteTokens)
	assert.Equal(t, models.QualityExact, e.Quality)
	assert.Nil(t, e.CostUSD) // pricing is the engine's job
}

func TestProcessResponse_RequestModelWins(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	body := []byte(`{"model":"from-body","usage":{"input_tokens":1,"output_tokens":1}}`)
	a.ProcessResponse(context.Background(), body, http.Header{}, "from-request")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "from-request", events[0].Model)
}

func TestProcessResponse_IgnoresBodiesWithoutUsage(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	a.ProcessResponse(context.Background(), []byte(`{"id":"msg_02"}`), http.Header{}, "")
	a.ProcessResponse(context.Background(), []byte(`not json`), http.Header{}, "")

	assert.Empty(t, rec.all())
}
