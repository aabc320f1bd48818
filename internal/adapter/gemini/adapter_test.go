package gemini

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
		if r.URL.Query().Get("key") == "good-key" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	a := New("prov-1", "good-key", &recorder{}, WithBaseURL(server.URL))
	result := a.TestConnection(context.Background(), "")
	assert.True(t, result.Valid)

	result = a.TestConnection(context.Background(), `{"api_key":"bad-key"}`)
	assert.False(t, result.Valid)
	assert.Equal(t, "HTTP 400", result.Info)
}

func TestProcessResponse(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	body := []byte(`{
		"usageMetadata": {
			"promptTokenCount": 500,
			"candidatesTokenCount": 150,
			"cachedContentTokenCount": 40,
			"totalTokenCount": 650
		}
	}`)
	a.ProcessResponse(context.Background(), body, http.Header{}, "gemini-2.0-flash")

	events := rec.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, models.ProviderGeminiAPI, e.Provider)
	assert.Equal(t, "gemini-prov-1", e.InstanceID)
	assert.Equal(t, "gemini-2.0-flash", e.Model)
	assert.Equal(t, int64(500), e.InputTokens)
	assert.Equal(t, int64(150), e.OutputTokens)
	assert.Equal(t, int64(40), e.CacheReadTokens)
	assert.Equal(t, int64(650), e.TotalTokens)
}

func TestProcessResponse_IgnoresBodiesWithoutUsage(t *testing.T) {
	rec := &recorder{}
	a := New("prov-1", "key", rec)

	a.ProcessResponse(context.Background(), []byte(`{"candidates":[]}`), http.Header{}, "gemini-2.0-flash")
	assert.Empty(t, rec.all())
}
