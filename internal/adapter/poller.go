package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Poller runs a poll function on a fixed interval until stopped. Failures
// are logged and the cycle is skipped; the poller keeps running. A shared
// rate limiter bounds outbound request rate across pollers.
type Poller struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter
	fn       func(ctx context.Context) error
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// PollerOption configures a Poller
type PollerOption func(*Poller)

// WithLimiter sets a shared outbound rate limiter
func WithLimiter(l *rate.Limiter) PollerOption {
	return func(p *Poller) {
		p.limiter = l
	}
}

// WithPollLogger sets the poller's logger
func WithPollLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller that invokes fn every interval
func NewPoller(name string, interval time.Duration, fn func(ctx context.Context) error, opts ...PollerOption) *Poller {
	p := &Poller{
		name:     name,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		fn:       fn,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. Idempotent: a second call on a running poller is a
// no-op. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	doneCh := p.doneCh
	p.mu.Unlock()
	<-doneCh
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	if err := p.fn(ctx); err != nil {
		// Data unavailable this cycle; try again next tick
		p.logger.Debug("poll cycle skipped", "poller", p.name, "error", err)
	}
}
