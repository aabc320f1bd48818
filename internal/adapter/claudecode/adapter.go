package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/token-monitor/token-monitor/internal/adapter"
	"github.com/token-monitor/token-monitor/internal/metrics"
	"github.com/token-monitor/token-monitor/pkg/models"
)

// DefaultDir returns the default session log root
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Adapter tails Claude Code session logs: append-only JSONL files under
// ~/.claude/projects. Per-file byte offsets live in memory only, so a
// restart re-reads files from the start; additive rollups absorb the
// resulting duplicates.
type Adapter struct {
	providerID string
	dir        string
	emit       adapter.Emitter
	logger     *slog.Logger

	mu      sync.Mutex
	offsets map[string]int64
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the adapter
type Option func(*Adapter)

// WithDir overrides the watched directory (for testing)
func WithDir(dir string) Option {
	return func(a *Adapter) {
		a.dir = dir
	}
}

// WithLogger sets the adapter's logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates a Claude Code log-tail adapter
func New(providerID string, emit adapter.Emitter, opts ...Option) *Adapter {
	a := &Adapter{
		providerID: providerID,
		dir:        DefaultDir(),
		emit:       emit,
		logger:     slog.Default(),
		offsets:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderClaudeCode
}

// Start watches the log directory tree and ingests existing files.
// Idempotent. Missing directory is not an error: the adapter stays idle.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.watcher != nil {
		a.mu.Unlock()
		return nil
	}

	if _, err := os.Stat(a.dir); err != nil {
		a.mu.Unlock()
		a.logger.Warn("claude code directory not found", "dir", a.dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	a.watcher = watcher
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	go a.loop(ctx, watcher)

	// Watch every directory and read files already on disk
	if err := a.watchTree(ctx, watcher, a.dir); err != nil {
		a.logger.Warn("initial scan incomplete", "dir", a.dir, "error", err)
	}

	a.logger.Info("claude code adapter watching", "dir", a.dir, "provider_id", a.providerID)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit. Idempotent;
// no event is emitted after it returns.
func (a *Adapter) Stop() {
	a.mu.Lock()
	watcher := a.watcher
	a.watcher = nil
	doneCh := a.doneCh
	a.mu.Unlock()
	if watcher == nil {
		return
	}
	close(a.stopCh)
	watcher.Close()
	<-doneCh

	a.mu.Lock()
	a.offsets = make(map[string]int64)
	a.mu.Unlock()
}

type connConfig struct {
	Dir string `json:"dir"`
}

// TestConnection reports whether the log directory exists and how much
// history it holds
func (a *Adapter) TestConnection(ctx context.Context, config string) models.TestResult {
	dir := a.dir
	if config != "" {
		var c connConfig
		if err := json.Unmarshal([]byte(config), &c); err == nil && c.Dir != "" {
			dir = c.Dir
		}
	}

	if _, err := os.Stat(dir); err != nil {
		return adapter.Invalid(fmt.Sprintf("Claude Code directory not found at %s", dir))
	}

	var projects, sessions int
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projects++
		children, _ := os.ReadDir(filepath.Join(dir, entry.Name(), "sessions"))
		sessions += len(children)
	}
	return adapter.Valid(fmt.Sprintf("Found %d projects with %d sessions", projects, sessions))
}

// fsnotify watches are non-recursive; every directory in the tree gets its
// own watch, and new subdirectories are added as they appear.
func (a *Adapter) watchTree(ctx context.Context, watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if werr := watcher.Add(path); werr != nil {
				a.logger.Warn("failed to watch directory", "path", path, "error", werr)
			}
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") {
			a.tailFile(ctx, path)
		}
		return nil
	})
}

func (a *Adapter) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			a.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("watcher error", "error", err)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			a.watchTree(ctx, watcher, event.Name)
			return
		}
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if strings.HasSuffix(event.Name, ".jsonl") {
		a.tailFile(ctx, event.Name)
	}
}

// tailFile reads bytes appended since the last offset and parses each
// complete line as one JSON record. A trailing partial line stays unread
// until its newline arrives.
func (a *Adapter) tailFile(ctx context.Context, path string) {
	a.mu.Lock()
	offset := a.offsets[path]
	a.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		a.logger.Warn("failed to open log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// Truncated or replaced; start over
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		a.logger.Warn("failed to read log file", "path", path, "error", err)
		return
	}

	consumed := int64(bytes.LastIndexByte(data, '\n') + 1)
	if consumed == 0 {
		return
	}

	for _, line := range bytes.Split(data[:consumed-1], []byte{'\n'}) {
		a.parseLine(ctx, path, line)
	}

	a.mu.Lock()
	a.offsets[path] = offset + consumed
	a.mu.Unlock()
}

type sessionMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   *struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (a *Adapter) parseLine(ctx context.Context, path string, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var msg sessionMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Skip malformed lines without aborting the file
		metrics.MalformedRecords.WithLabelValues(string(adapter.ChannelLogTail)).Inc()
		return
	}
	if msg.Type != "assistant" || msg.Message == nil || msg.Message.Usage == nil {
		return
	}

	projectHash, sessionID := parsePath(path)
	model := msg.Message.Model
	if model == "" {
		model = "unknown"
	}

	ts := time.Now().UnixMilli()
	if parsed, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		ts = parsed.UnixMilli()
	}

	usage := msg.Message.Usage
	event := &models.UsageEvent{
		Timestamp:        ts,
		Provider:         models.ProviderClaudeCode,
		ProviderID:       a.providerID,
		InstanceID:       "claude-code-" + projectHash,
		SessionID:        sessionID,
		RequestID:        msg.Message.ID,
		Model:            model,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
		Quality:          models.QualityExact,
		Meta: map[string]any{
			"project_hash": projectHash,
			"stop_reason":  msg.Message.StopReason,
			"source":       "jsonl",
		},
	}
	if err := a.emit.IngestEvent(ctx, event); err != nil {
		a.logger.Error("failed to ingest claude code event", "error", err)
	}
}

// parsePath extracts the project hash and session id from the file's path
// segments: .../projects/{project-hash}/sessions/{session-id}/...
func parsePath(path string) (projectHash, sessionID string) {
	projectHash, sessionID = "unknown", "unknown"
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if part == "projects" && i+1 < len(parts) {
			projectHash = parts[i+1]
		}
		if part == "sessions" && i+1 < len(parts) {
			sessionID = parts[i+1]
		}
	}
	return projectHash, sessionID
}
