// Package executor applies verdicts: it issues or revokes credentials,
// persists the resulting state and notifies the requester.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/credentials"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/notify"
	"github.com/vosiander/llm-key-requestor/pkg/observability"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

const defaultDenyReason = "Request denied"

// Executor is shared by the reconcile loop and administrative overrides.
type Executor struct {
	store      store.Store
	issuer     credentials.Issuer
	notifier   notify.Notifier
	gatewayURL string
	obs        *observability.Provider
	logger     *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

func WithObservability(p *observability.Provider) Option {
	return func(e *Executor) { e.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an executor. gatewayURL is mailed to approved requesters.
func New(s store.Store, issuer credentials.Issuer, notifier notify.Notifier, gatewayURL string, opts ...Option) *Executor {
	e := &Executor{
		store:      s,
		issuer:     issuer,
		notifier:   notifier,
		gatewayURL: gatewayURL,
		obs:        observability.Noop(),
		logger:     slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies v to r and returns the record as persisted. An engine
// PENDING verdict changes nothing. A failed issuance is not an error: the
// request is denied and the requester told why.
func (e *Executor) Execute(ctx context.Context, v approval.Verdict, r *keyrequest.Request) (out *keyrequest.Request, err error) {
	source := string(v.Origin())
	ctx, done := e.obs.TrackOperation(ctx, "executor.execute",
		attribute.String("verdict.state", string(v.State)),
		attribute.String("verdict.source", source))
	defer func() { done(err) }()

	if _, err := keyrequest.Transition(r.State, v.State, v.Origin()); err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, err)
	}
	e.obs.RecordVerdict(ctx, string(v.State), source)

	logger := e.logger.With("request_id", r.ID, "alias", r.Alias(), "verdict", v.State, "reason", v.Reason)
	if digest, derr := v.Digest(r.ID); derr == nil {
		logger = logger.With("decision_hash", digest)
	}

	switch v.State {
	case keyrequest.StateApproved:
		return e.approve(ctx, logger, r)
	case keyrequest.StateDenied:
		return e.deny(ctx, logger, r, v.Reason)
	case keyrequest.StateReview:
		logger.InfoContext(ctx, "request parked for human review")
		return e.requeue(ctx, logger, r, keyrequest.StateReview)
	case keyrequest.StatePending:
		if !v.Override {
			logger.InfoContext(ctx, "request still pending, retrying next cycle")
			return r, nil
		}
		logger.InfoContext(ctx, "request returned to the approval queue")
		return e.requeue(ctx, logger, r, keyrequest.StatePending)
	default:
		return nil, fmt.Errorf("request %s: %w: %q", r.ID, keyrequest.ErrInvalidState, v.State)
	}
}

func (e *Executor) approve(ctx context.Context, logger *slog.Logger, r *keyrequest.Request) (*keyrequest.Request, error) {
	key, err := e.reissue(ctx, r)
	if err != nil {
		logger.ErrorContext(ctx, "key generation failed, denying", "error", err)
		reason := fmt.Sprintf("Failed to generate API key: %v", err)
		denied := keyrequest.StateDenied
		out, perr := e.persist(ctx, r.ID, keyrequest.Changes{State: &denied, ClearAPIKey: true})
		if perr != nil {
			return nil, perr
		}
		e.notifyDenial(ctx, logger, r, reason)
		return out, nil
	}

	approved := keyrequest.StateApproved
	out, err := e.persist(ctx, r.ID, keyrequest.Changes{State: &approved, APIKey: &key})
	if err != nil {
		// The key exists upstream but is unrecorded. The request stays in its
		// old state, and the next approval revokes the alias before reissuing.
		return nil, err
	}
	logger.InfoContext(ctx, "api key issued")

	if !e.notifier.NotifyApproval(ctx, r.Requester, r.Model, key, e.gatewayURL) {
		logger.WarnContext(ctx, "approval notification not delivered")
	}
	return out, nil
}

// reissue revokes whatever the alias holds and mints a fresh key.
func (e *Executor) reissue(ctx context.Context, r *keyrequest.Request) (string, error) {
	if err := e.issuer.Revoke(ctx, r.Alias()); err != nil {
		return "", fmt.Errorf("revoke previous key: %w", err)
	}
	return e.issuer.Issue(ctx, credentials.KeySpec{
		Owner:       r.Requester,
		Alias:       r.Alias(),
		DisplayName: r.DisplayName(),
		Models:      []string{r.Model},
	})
}

func (e *Executor) deny(ctx context.Context, logger *slog.Logger, r *keyrequest.Request, reason string) (*keyrequest.Request, error) {
	if reason == "" {
		reason = defaultDenyReason
	}
	if r.APIKey != "" {
		e.revokeHeld(ctx, logger, r)
	}

	denied := keyrequest.StateDenied
	out, err := e.persist(ctx, r.ID, keyrequest.Changes{State: &denied, ClearAPIKey: true})
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "request denied")
	e.notifyDenial(ctx, logger, r, reason)
	return out, nil
}

// requeue moves r back to an undecided state. A key issued by an earlier
// approval does not survive the move.
func (e *Executor) requeue(ctx context.Context, logger *slog.Logger, r *keyrequest.Request, state keyrequest.State) (*keyrequest.Request, error) {
	if r.APIKey == "" {
		return e.persist(ctx, r.ID, keyrequest.WithState(state))
	}
	e.revokeHeld(ctx, logger, r)
	return e.persist(ctx, r.ID, keyrequest.Changes{State: &state, ClearAPIKey: true})
}

// revokeHeld is best effort: the record is cleared either way and the next
// approval revokes the alias again before issuing.
func (e *Executor) revokeHeld(ctx context.Context, logger *slog.Logger, r *keyrequest.Request) {
	if err := e.issuer.Revoke(ctx, r.Alias()); err != nil {
		logger.WarnContext(ctx, "revoking held key failed", "error", err)
	}
}

func (e *Executor) notifyDenial(ctx context.Context, logger *slog.Logger, r *keyrequest.Request, reason string) {
	if !e.notifier.NotifyDenial(ctx, r.Requester, r.Model, reason) {
		logger.WarnContext(ctx, "denial notification not delivered")
	}
}

func (e *Executor) persist(ctx context.Context, id string, changes keyrequest.Changes) (*keyrequest.Request, error) {
	out, err := e.store.Update(ctx, id, changes)
	if err != nil {
		return nil, fmt.Errorf("persist request %s: %w", id, err)
	}
	return out, nil
}
