package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/token-monitor/token-monitor/internal/adapter/openclaw"
	"github.com/token-monitor/token-monitor/internal/metrics"
)

const (
	// Response bodies larger than this are forwarded but not inspected;
	// anything that big is a stream, not a usage-bearing JSON object.
	maxCaptureBytes = 4 << 20

	defaultHost = "127.0.0.1"
	defaultPort = 7878
)

// providerHosts maps path prefixes to upstream API hosts
var providerHosts = map[string]string{
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"gemini":     "generativelanguage.googleapis.com",
	"openrouter": "openrouter.ai",
}

// ResponseProcessor extracts usage from an intercepted upstream response
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, body []byte, header http.Header, model string)
}

// WebhookSink receives usage payloads POSTed to the webhook endpoint
type WebhookSink interface {
	ProcessSkillEvent(ctx context.Context, event *openclaw.SkillEvent) error
}

// Server is the local intercepting proxy. Clients point their API base URL
// at it; requests are forwarded to the real provider by path prefix and
// non-streaming JSON responses are inspected for usage after completion.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	upstream   *http.Client

	processors map[string]ResponseProcessor
	webhook    WebhookSink

	host string
	port int

	// Test override: target scheme + host for all providers
	upstreamOverride string
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the listen host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the listen port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithUpstreamClient sets the client used for forwarded requests
func WithUpstreamClient(client *http.Client) Option {
	return func(s *Server) {
		s.upstream = client
	}
}

// WithUpstreamOverride routes every provider to one base URL (for testing)
func WithUpstreamOverride(baseURL string) Option {
	return func(s *Server) {
		s.upstreamOverride = baseURL
	}
}

// New creates a proxy server
func New(opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		// No overall timeout: upstream responses may stream for minutes
		upstream:   &http.Client{},
		processors: make(map[string]ResponseProcessor),
		host:       defaultHost,
		port:       defaultPort,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// RegisterProcessor wires a provider's usage extractor to its path prefix
func (s *Server) RegisterProcessor(prefix string, p ResponseProcessor) {
	s.processors[prefix] = p
}

// SetWebhookSink wires the webhook endpoint to its consumer
func (s *Server) SetWebhookSink(sink WebhookSink) {
	s.webhook = sink
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.recoveryMiddleware())

	router.POST("/api/usage", s.handleWebhook)
	// Everything else is a forward keyed by path prefix
	router.NoRoute(s.handleForward)

	s.router = router
}

// Start starts the proxy server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting proxy server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in proxy handler",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// hop-by-hop and transport-identifying headers never forwarded upstream
var droppedHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"x-target-provider": true,
}

func (s *Server) handleForward(c *gin.Context) {
	parts := strings.SplitN(strings.TrimPrefix(c.Request.URL.Path, "/"), "/", 2)
	prefix := parts[0]
	host, ok := providerHosts[prefix]
	if !ok {
		available := make([]string, 0, len(providerHosts))
		for p := range providerHosts {
			available = append(available, "/"+p)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "unknown provider",
			"message":   "use path prefix: /anthropic, /openai, /gemini, or /openrouter",
			"available": available,
		})
		return
	}

	targetPath := "/"
	if len(parts) == 2 {
		targetPath += parts[1]
	}

	// The request body is needed twice: once for the model capture, once
	// for the upstream request
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	model := extractModel(body)
	if model == "unknown" && prefix == "gemini" {
		// Gemini carries the model in the path, not the body:
		// /v1beta/models/{model}:generateContent
		model = modelFromGeminiPath(targetPath)
	}

	target := "https://" + host + targetPath
	if s.upstreamOverride != "" {
		target = s.upstreamOverride + targetPath
	}
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "proxy error", "message": err.Error()})
		return
	}
	for key, values := range c.Request.Header {
		if droppedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		metrics.ProxyForwards.WithLabelValues(prefix, "error").Inc()
		s.logger.Error("failed to forward request",
			slog.String("provider", prefix), slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "proxy error", "message": err.Error()})
		return
	}
	defer resp.Body.Close()
	metrics.ProxyForwards.WithLabelValues(prefix, strconv.Itoa(resp.StatusCode)).Inc()

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	// Stream through unbuffered while keeping a bounded copy for capture
	capture := &captureWriter{limit: maxCaptureBytes}
	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			capture.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return
		}
	}

	// Only complete, JSON-looking bodies are inspected; streaming and
	// non-JSON responses were already forwarded and are left alone
	if capture.overflowed || !capture.looksJSON() {
		return
	}
	if p, ok := s.processors[prefix]; ok {
		p.ProcessResponse(c.Request.Context(), capture.buf.Bytes(), resp.Header, model)
		metrics.ProxyCaptures.WithLabelValues(prefix).Inc()
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	if s.webhook == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook consumer not configured"})
		return
	}

	var event openclaw.SkillEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		metrics.MalformedRecords.WithLabelValues("webhook").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "message": err.Error()})
		return
	}

	if err := s.webhook.ProcessSkillEvent(c.Request.Context(), &event); err != nil {
		s.logger.Error("failed to process webhook usage", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func extractModel(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		return "unknown"
	}
	return req.Model
}

func modelFromGeminiPath(path string) string {
	idx := strings.Index(path, "/models/")
	if idx < 0 {
		return "unknown"
	}
	model := path[idx+len("/models/"):]
	if cut := strings.IndexAny(model, ":/"); cut >= 0 {
		model = model[:cut]
	}
	if model == "" {
		return "unknown"
	}
	return model
}

// captureWriter buffers up to limit bytes and discards the rest
type captureWriter struct {
	buf        bytes.Buffer
	limit      int
	overflowed bool
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.overflowed {
		return len(p), nil
	}
	if w.buf.Len()+len(p) > w.limit {
		w.overflowed = true
		w.buf.Reset()
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *captureWriter) looksJSON() bool {
	trimmed := bytes.TrimSpace(w.buf.Bytes())
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
