package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-monitor/token-monitor/internal/adapter/openclaw"
)

type captureProcessor struct {
	mu     sync.Mutex
	bodies []string
	models []string
}

func (p *captureProcessor) ProcessResponse(ctx context.Context, body []byte, header http.Header, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, string(body))
	p.models = append(p.models, model)
}

type webhookRecorder struct {
	mu     sync.Mutex
	events []*openclaw.SkillEvent
}

func (w *webhookRecorder) ProcessSkillEvent(ctx context.Context, event *openclaw.SkillEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func TestForward_CapturesUsageResponse(t *testing.T) {
	const upstreamBody = `{"id":"msg_01","usage":{"input_tokens":10,"output_tokens":5}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path, "provider prefix must be stripped")
		assert.Equal(t, "key-123", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "claude-sonnet-4")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	proc := &captureProcessor{}
	s := New(WithUpstreamOverride(upstream.URL))
	s.RegisterProcessor("anthropic", proc)

	front := httptest.NewServer(s.Router())
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/anthropic/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","messages":[]}`))
	req.Header.Set("X-Api-Key", "key-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, upstreamBody, string(body), "response streams through unchanged")

	require.Len(t, proc.bodies, 1)
	assert.Equal(t, upstreamBody, proc.bodies[0])
	assert.Equal(t, "claude-sonnet-4", proc.models[0])
}

func TestForward_UnknownPrefix(t *testing.T) {
	s := New()
	front := httptest.NewServer(s.Router())
	defer front.Close()

	resp, err := http.Post(front.URL+"/mystery/v1/chat", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "available")
	assert.Contains(t, string(body), "/anthropic")
}

func TestForward_NonJSONResponseNotInspected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"hi\"}\n\n"))
	}))
	defer upstream.Close()

	proc := &captureProcessor{}
	s := New(WithUpstreamOverride(upstream.URL))
	s.RegisterProcessor("openai", proc)

	front := httptest.NewServer(s.Router())
	defer front.Close()

	resp, err := http.Post(front.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, proc.bodies, "event streams are forwarded, never parsed")
}

func TestForward_UpstreamDown(t *testing.T) {
	s := New(WithUpstreamOverride("http://127.0.0.1:1"))
	front := httptest.NewServer(s.Router())
	defer front.Close()

	resp, err := http.Post(front.URL+"/openai/v1/chat/completions", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebhook(t *testing.T) {
	sink := &webhookRecorder{}
	s := New()
	s.SetWebhookSink(sink)

	front := httptest.NewServer(s.Router())
	defer front.Close()

	resp, err := http.Post(front.URL+"/api/usage", "application/json",
		strings.NewReader(`{"model":"claude-sonnet-4","skill_name":"summarizer","usage":{"input_tokens":10}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "summarizer", sink.events[0].SkillName)
	assert.Equal(t, int64(10), sink.events[0].Usage.InputTokens)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	sink := &webhookRecorder{}
	s := New()
	s.SetWebhookSink(sink)

	front := httptest.NewServer(s.Router())
	defer front.Close()

	resp, err := http.Post(front.URL+"/api/usage", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, sink.events)

	// Missing required model field
	resp, err = http.Post(front.URL+"/api/usage", "application/json", strings.NewReader(`{"usage":{}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestModelFromGeminiPath(t *testing.T) {
	assert.Equal(t, "gemini-2.0-flash", modelFromGeminiPath("/v1beta/models/gemini-2.0-flash:generateContent"))
	assert.Equal(t, "gemini-1.5-pro", modelFromGeminiPath("/v1/models/gemini-1.5-pro:streamGenerateContent"))
	assert.Equal(t, "unknown", modelFromGeminiPath("/v1/files"))
	assert.Equal(t, "unknown", modelFromGeminiPath("/v1/models/"))
}
