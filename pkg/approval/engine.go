package approval

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/observability"
)

const (
	reasonNoPlugins  = "no approval plugins configured"
	reasonNoDecision = "no approval plugin reached a decision"
)

// Engine runs plugins in configuration order; the first non-Continue
// decision wins. The chain is fixed at construction.
type Engine struct {
	plugins []Plugin
	obs     *observability.Provider
	logger  *slog.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithObservability attaches a telemetry provider.
func WithObservability(p *observability.Provider) EngineOption {
	return func(e *Engine) { e.obs = p }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine over a copy of plugins.
func NewEngine(plugins []Plugin, opts ...EngineOption) *Engine {
	e := &Engine{
		plugins: append([]Plugin(nil), plugins...),
		obs:     observability.Noop(),
		logger:  slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plugins returns the names of the configured plugins in order.
func (e *Engine) Plugins() []string {
	names := make([]string, len(e.plugins))
	for i, p := range e.plugins {
		names[i] = p.Name()
	}
	return names
}

// Process evaluates the chain for one request. A plugin error aborts the
// evaluation and is returned; the request is left for the next tick.
func (e *Engine) Process(ctx context.Context, requester, model, requestID string) (v Verdict, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "approval.process",
		attribute.String("request.model", model))
	defer func() { done(err) }()

	if len(e.plugins) == 0 {
		e.logger.WarnContext(ctx, "no approval plugins configured, denying", "request_id", requestID)
		return Verdict{State: keyrequest.StateDenied, Reason: reasonNoPlugins}, nil
	}

	s := Subject{Requester: requester, Model: model, RequestID: requestID}
	for _, p := range e.plugins {
		d, err := p.Evaluate(ctx, s)
		if err != nil {
			return Verdict{}, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		// A plugin that fails open on a cancelled context must not push the
		// chain into the default denial.
		if err := ctx.Err(); err != nil {
			return Verdict{}, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		e.logger.DebugContext(ctx, "plugin evaluated",
			"plugin", p.Name(), "decision", d.String(), "request_id", requestID)

		switch d {
		case Approve:
			return Approved(p.Name()), nil
		case Deny:
			return Denied(p.Name()), nil
		case Review:
			return InReview(p.Name()), nil
		case Pending:
			return Deferred(p.Name()), nil
		}
	}

	return Verdict{State: keyrequest.StateDenied, Reason: reasonNoDecision}, nil
}
