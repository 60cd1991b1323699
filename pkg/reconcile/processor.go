// Package reconcile runs the background loop that drives PENDING requests
// through the decision engine and the executor.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/observability"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

const DefaultGrace = 10 * time.Second

// Evaluator produces a verdict for one request.
type Evaluator interface {
	Process(ctx context.Context, requester, model, requestID string) (approval.Verdict, error)
}

// Applier carries out a verdict.
type Applier interface {
	Execute(ctx context.Context, v approval.Verdict, r *keyrequest.Request) (*keyrequest.Request, error)
}

// Stats summarises one tick.
type Stats struct {
	Pending   int
	Processed int
	Failed    int
}

// Processor owns one background goroutine. It is not safe to run several
// processors against the same store.
type Processor struct {
	store     store.Store
	evaluator Evaluator
	applier   Applier
	interval  time.Duration
	grace     time.Duration
	obs       *observability.Provider
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// Option customises a Processor.
type Option func(*Processor)

func WithInterval(d time.Duration) Option {
	return func(p *Processor) { p.interval = d }
}

// WithGrace bounds how long Stop waits for the current tick.
func WithGrace(d time.Duration) Option {
	return func(p *Processor) { p.grace = d }
}

func WithObservability(o *observability.Provider) Option {
	return func(p *Processor) { p.obs = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func New(s store.Store, evaluator Evaluator, applier Applier, opts ...Option) *Processor {
	p := &Processor{
		store:     s,
		evaluator: evaluator,
		applier:   applier,
		interval:  DefaultInterval,
		grace:     DefaultGrace,
		obs:       observability.Noop(),
		logger:    slog.Default().With("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the loop goroutine is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the loop. Calling Start on a running processor only logs.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.logger.WarnContext(ctx, "queue processor is already running")
		return
	}

	workCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.stopping.Store(false)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.cancel = cancel

	go p.run(workCtx, p.stop, p.done)
	p.logger.InfoContext(ctx, "queue processor started", "interval", p.interval.String())
}

// Stop asks the loop to exit after the request in flight, waits up to the
// grace period, then cancels outstanding work and waits for the exit.
func (p *Processor) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "queue processor is not running")
		return
	}
	p.stopping.Store(true)
	close(p.stop)
	done, cancel := p.done, p.cancel
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "stopping queue processor")
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.WarnContext(ctx, "queue processor did not stop gracefully, cancelling")
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()

	p.mu.Lock()
	if p.done == done {
		p.running = false
	}
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "queue processor stopped")
}

func (p *Processor) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	// The loop also ends when the Start context is cancelled; a later Start
	// must then launch a new one.
	defer func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.done == done {
			p.running = false
			p.cancel()
		}
	}()

	sleep := p.interval
	if sleep < minSleep {
		sleep = minSleep
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := p.Tick(ctx); err != nil {
			p.logger.ErrorContext(ctx, "queue processing cycle failed", "error", err)
		}
		timer.Reset(sleep)
	}
}

// Tick scans PENDING requests once and processes them in order. Only a
// failed scan is returned as an error; per-request failures are logged and
// counted.
func (p *Processor) Tick(ctx context.Context) (stats Stats, err error) {
	ctx, done := p.obs.TrackOperation(ctx, "reconcile.tick")
	defer func() { done(err) }()

	pending, err := p.store.FindByState(ctx, keyrequest.StatePending)
	if err != nil {
		return stats, fmt.Errorf("scan pending requests: %w", err)
	}
	stats.Pending = len(pending)
	if len(pending) == 0 {
		p.logger.DebugContext(ctx, "no pending requests")
		return stats, nil
	}
	p.logger.InfoContext(ctx, "processing pending requests", "count", len(pending))

	for _, r := range pending {
		if p.stopping.Load() || ctx.Err() != nil {
			break
		}
		if err := p.processOne(ctx, r); err != nil {
			stats.Failed++
			p.logger.ErrorContext(ctx, "processing request failed", "request_id", r.ID, "error", err)
			continue
		}
		stats.Processed++
	}
	return stats, nil
}

func (p *Processor) processOne(ctx context.Context, r *keyrequest.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	p.logger.InfoContext(ctx, "processing request", "request_id", r.ID, "email", r.Requester, "model", r.Model)
	v, err := p.evaluator.Process(ctx, r.Requester, r.Model, r.ID)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	p.logger.InfoContext(ctx, "verdict", "request_id", r.ID, "alias", r.Alias(), "state", v.State, "reason", v.Reason)

	if _, err := p.applier.Execute(ctx, v, r); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}
