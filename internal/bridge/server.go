package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/token-monitor/token-monitor/internal/adapter/browserext"
	"github.com/token-monitor/token-monitor/internal/logging"
	"github.com/token-monitor/token-monitor/internal/metrics"
)

const (
	// Subprotocol is the bridge's WebSocket subprotocol name. A client may
	// offer the pairing token as an additional subprotocol entry for
	// out-of-band authentication.
	Subprotocol = "tokenmonitor.v1"

	// CloseInvalidToken tells the peer its handshake token was rejected
	CloseInvalidToken = 4001
	// CloseHeartbeatTimeout tells the peer it was evicted as stale, not
	// rejected
	CloseHeartbeatTimeout = 4002

	defaultHost             = "127.0.0.1"
	defaultPort             = 7879
	defaultMaxPerSecond     = 50
	defaultSweepInterval    = 30 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
)

// UsageHandler consumes usage updates from paired clients
type UsageHandler interface {
	ProcessExtensionMessage(ctx context.Context, msg *browserext.ExtensionMessage) error
}

// client is one paired bridge session. It lives only in process memory.
type client struct {
	conn          *websocket.Conn
	id            string
	pairedAt      time.Time
	lastHeartbeat time.Time

	// Fixed-window rate limiting
	windowStart time.Time
	count       int

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex
}

func (c *client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(v)
}

func (c *client) sendClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}

// Server is the push-bridge WebSocket server. It owns the pairing token and
// the paired-client registry; there is no package-level state.
type Server struct {
	token    string
	handler  UsageHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	host             string
	port             int
	maxPerSecond     int
	sweepInterval    time.Duration
	heartbeatTimeout time.Duration
	timeFunc         func() time.Time

	mu         sync.Mutex
	clients    map[string]*client
	httpServer *http.Server
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
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

// WithRateLimit overrides the per-client messages-per-second cap
func WithRateLimit(perSecond int) Option {
	return func(s *Server) {
		s.maxPerSecond = perSecond
	}
}

// WithSweepInterval overrides the stale-session sweep interval
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sweepInterval = d
	}
}

// WithHeartbeatTimeout overrides the stale-session threshold
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

// WithTimeFunc overrides the clock (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Server) {
		s.timeFunc = fn
	}
}

// New creates a bridge server authenticated by the given pairing token
func New(token string, handler UsageHandler, opts ...Option) *Server {
	s := &Server{
		token:            token,
		handler:          handler,
		logger:           slog.Default(),
		host:             defaultHost,
		port:             defaultPort,
		maxPerSecond:     defaultMaxPerSecond,
		sweepInterval:    defaultSweepInterval,
		heartbeatTimeout: defaultHeartbeatTimeout,
		timeFunc:         time.Now,
		clients:          make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		// The bridge binds to loopback; origin checks add nothing there
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the WebSocket upgrade handler (for testing)
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleConnection)
}

// Start starts the server and the stale-session sweep
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.sweepLoop()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(s.handleConnection),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting bridge server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the sweep, closes all sessions and shuts the server down
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	httpServer := s.httpServer
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	for _, c := range clients {
		c.sendClose(websocket.CloseGoingAway, "server shutting down")
	}
	metrics.BridgeSessions.Set(0)

	s.logger.Info("shutting down bridge server")
	if httpServer != nil {
		return httpServer.Shutdown(ctx)
	}
	return nil
}

// ConnectedClients returns the number of paired sessions
func (s *Server) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends a message to every paired client
func (s *Server) Broadcast(v any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(v)
	}
}

// wire messages

type wireMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
	Version  string `json:"version"`
	TS       int64  `json:"ts"`
	Source   string `json:"source"`
	Payload  *struct {
		Model                 string `json:"model"`
		EstimatedInputTokens  int64  `json:"estimatedInputTokens"`
		EstimatedOutputTokens int64  `json:"estimatedOutputTokens"`
		MessageCount          int64  `json:"messageCount"`
		ConversationID        string `json:"conversationId"`
	} `json:"payload"`
}

type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	// A client may authenticate out of band by offering the pairing token
	// as a subprotocol entry alongside the protocol name
	authenticated := false
	for _, proto := range websocket.Subprotocols(r) {
		if proto != Subprotocol && s.token != "" && proto == s.token {
			authenticated = true
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn}
	if authenticated {
		c.id = fmt.Sprintf("ext-%d", s.timeFunc().UnixMilli())
		s.pair(c)
	}

	// The request context dies when this handler returns; the hijacked
	// connection outlives it
	go s.readLoop(context.Background(), c)
}

func (s *Server) pair(c *client) {
	now := s.timeFunc()
	c.pairedAt = now
	c.lastHeartbeat = now

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()

	metrics.BridgeSessions.Set(float64(n))
	s.logger.Info("bridge client paired", slog.String("client_id", c.id))
}

func (s *Server) unpair(c *client) {
	if c.id == "" {
		return
	}
	s.mu.Lock()
	if existing, ok := s.clients[c.id]; !ok || existing != c {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	metrics.BridgeSessions.Set(float64(n))
	s.logger.Info("bridge client disconnected", slog.String("client_id", c.id))
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer func() {
		s.unpair(c)
		c.conn.Close()
	}()

	paired := c.id != ""
	if paired {
		ctx = logging.WithClientID(ctx, c.id)
	}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Tolerate unparseable frames; the session stays open
			metrics.MalformedRecords.WithLabelValues("bridge").Inc()
			continue
		}

		if msg.Type == "handshake" {
			if s.token == "" || msg.Token != s.token {
				metrics.BridgeRejections.WithLabelValues("invalid_token").Inc()
				c.send(errorReply{Type: "error", Message: "Invalid pairing token"})
				c.sendClose(CloseInvalidToken, "Invalid pairing token")
				return
			}
			if c.id != "" && c.id != msg.ClientID {
				// Already paired out of band; drop the old registration
				// so the session is tracked under one id only
				s.unpair(c)
			}
			c.id = msg.ClientID
			s.pair(c)
			paired = true
			ctx = logging.WithClientID(ctx, c.id)
			c.send(map[string]string{"type": "handshake_ack", "status": "paired"})
			continue
		}

		if !paired {
			// Tolerant of client retries: error reply, connection stays up
			metrics.BridgeRejections.WithLabelValues("unauthenticated").Inc()
			c.send(errorReply{Type: "error", Message: "Not authenticated"})
			continue
		}

		if !s.allow(c) {
			metrics.BridgeRejections.WithLabelValues("rate_limit").Inc()
			c.send(errorReply{Type: "error", Message: "Rate limit exceeded"})
			continue
		}

		switch msg.Type {
		case "heartbeat":
			now := s.timeFunc()
			s.mu.Lock()
			c.lastHeartbeat = now
			s.mu.Unlock()
			c.send(map[string]any{"type": "heartbeat_ack", "ts": now.UnixMilli()})

		case "usage_update":
			s.handleUsageUpdate(ctx, &msg)

		default:
			s.logger.DebugContext(ctx, "unknown bridge message", slog.String("type", msg.Type))
		}
	}
}

// allow applies a fixed-window limit: up to maxPerSecond messages per
// one-second window, counted from the first message of the window.
func (s *Server) allow(c *client) bool {
	now := s.timeFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.windowStart.IsZero() || now.Sub(c.windowStart) > time.Second {
		c.windowStart = now
		c.count = 1
		return true
	}
	c.count++
	return c.count <= s.maxPerSecond
}

func (s *Server) handleUsageUpdate(ctx context.Context, msg *wireMessage) {
	if s.handler == nil || msg.Payload == nil {
		return
	}
	ext := &browserext.ExtensionMessage{
		Source:                msg.Source,
		Model:                 msg.Payload.Model,
		EstimatedInputTokens:  msg.Payload.EstimatedInputTokens,
		EstimatedOutputTokens: msg.Payload.EstimatedOutputTokens,
		MessageCount:          msg.Payload.MessageCount,
		ConversationID:        msg.Payload.ConversationID,
	}
	if err := s.handler.ProcessExtensionMessage(ctx, ext); err != nil {
		metrics.MalformedRecords.WithLabelValues("bridge").Inc()
		s.logger.WarnContext(ctx, "dropped usage update", slog.Any("error", err))
	}
}

// sweepLoop evicts paired sessions whose last heartbeat is older than the
// timeout, closing them with a code the peer can tell apart from rejection
func (s *Server) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.timeFunc()

	s.mu.Lock()
	var stale []*client
	for id, c := range s.clients {
		if now.Sub(c.lastHeartbeat) > s.heartbeatTimeout {
			stale = append(stale, c)
			delete(s.clients, id)
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	metrics.BridgeSessions.Set(float64(n))
	for _, c := range stale {
		metrics.BridgeEvictions.Inc()
		s.logger.Info("evicting stale bridge client", slog.String("client_id", c.id))
		c.sendClose(CloseHeartbeatTimeout, "Heartbeat timeout")
	}
}
