// Package service is the upward API used by the HTTP layer and the CLI:
// request submission, administrative listing and overrides, and the model
// catalog.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/config"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/observability"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

// ErrInvalidInput marks caller errors: a malformed email, an empty model or
// an unknown filter.
var ErrInvalidInput = errors.New("invalid input")

const maxModelLength = 256

// Applier carries out administrative verdicts. The executor satisfies it.
type Applier interface {
	Execute(ctx context.Context, v approval.Verdict, r *keyrequest.Request) (*keyrequest.Request, error)
}

// Result is the outcome of Submit.
type Result struct {
	Request *keyrequest.Request
	// Created is false when an outstanding request for the same pair was
	// returned instead.
	Created bool
	Message string
}

// KeyService serialises submissions within one process so the outstanding
// request per (requester, model) stays unique.
type KeyService struct {
	store   store.Store
	applier Applier
	catalog *Catalog
	now     func() time.Time
	obs     *observability.Provider
	logger  *slog.Logger

	submitMu sync.Mutex
}

type Option func(*KeyService)

func WithCatalog(c *Catalog) Option {
	return func(s *KeyService) { s.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *KeyService) { s.now = now }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *KeyService) { s.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *KeyService) { s.logger = l }
}

func New(s store.Store, applier Applier, opts ...Option) *KeyService {
	svc := &KeyService{
		store:   s,
		applier: applier,
		catalog: NewCatalog(nil, nil),
		now:     time.Now,
		obs:     observability.Noop(),
		logger:  slog.Default().With("component", "service"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Submit records a key request. A repeat for a pair that is still PENDING or
// in review returns the existing request; a pair whose last request was
// decided gets a fresh PENDING request.
func (s *KeyService) Submit(ctx context.Context, requester, model string) (res Result, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "service.submit", attribute.String("model", model))
	defer func() { done(err) }()

	requester, model, err = normalizeSubmission(requester, model)
	if err != nil {
		return Result{}, err
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	existing, err := s.store.ListByRequester(ctx, requester)
	if err != nil {
		return Result{}, fmt.Errorf("look up requests of %s: %w", requester, err)
	}
	for i := len(existing) - 1; i >= 0; i-- {
		r := existing[i]
		if r.Model == model && r.Outstanding() {
			s.logger.InfoContext(ctx, "returning outstanding request", "request_id", r.ID, "email", requester, "model", model, "state", r.State)
			return Result{Request: r, Message: keyrequest.StatusMessage(r.State, model)}, nil
		}
	}

	r := keyrequest.New(requester, model, s.now())
	if err := s.store.Create(ctx, r); err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	s.logger.InfoContext(ctx, "created key request", "request_id", r.ID, "email", requester, "model", model)
	return Result{Request: r, Created: true, Message: keyrequest.CreatedMessage(model)}, nil
}

func normalizeSubmission(requester, model string) (string, string, error) {
	requester = strings.TrimSpace(requester)
	model = strings.TrimSpace(model)
	addr, err := mail.ParseAddress(requester)
	if err != nil || addr.Address != requester {
		return "", "", fmt.Errorf("%w: %q is not an email address", ErrInvalidInput, requester)
	}
	if model == "" {
		return "", "", fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	if len(model) > maxModelLength || strings.ContainsAny(model, " \t\r\n") {
		return "", "", fmt.Errorf("%w: malformed model %q", ErrInvalidInput, model)
	}
	return requester, model, nil
}

// ListByState returns requests for an admin filter: pending, review,
// approved, denied or all. The empty filter means all.
func (s *KeyService) ListByState(ctx context.Context, filter string) ([]*keyrequest.Request, error) {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" || filter == "all" {
		return s.store.List(ctx)
	}
	state, err := keyrequest.ParseState(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, filter)
	}
	return s.store.FindByState(ctx, state)
}

// GetDetails returns the request or nil when no request has that id.
func (s *KeyService) GetDetails(ctx context.Context, id string) (*keyrequest.Request, error) {
	r, err := s.store.Find(ctx, id)
	if errors.Is(err, keyrequest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Override applies an administrative decision through the executor, so an
// approval issues a key and a denial revokes one exactly as the loop would.
func (s *KeyService) Override(ctx context.Context, id string, target keyrequest.State, reason string) (out *keyrequest.Request, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "service.override", attribute.String("target", string(target)))
	defer func() { done(err) }()

	// Reopening a request competes with Submit for the pair's one
	// outstanding slot.
	if !target.Terminal() {
		s.submitMu.Lock()
		defer s.submitMu.Unlock()
	}

	r, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !target.Terminal() && !r.Outstanding() {
		if err := s.ensureNoOutstanding(ctx, r); err != nil {
			return nil, err
		}
	}
	if reason == "" {
		reason = overrideReason(target)
	}
	s.logger.InfoContext(ctx, "administrative override", "request_id", id, "from", r.State, "to", target)
	return s.applier.Execute(ctx, approval.Verdict{State: target, Reason: reason, Override: true}, r)
}

func (s *KeyService) ensureNoOutstanding(ctx context.Context, r *keyrequest.Request) error {
	others, err := s.store.ListByRequester(ctx, r.Requester)
	if err != nil {
		return fmt.Errorf("look up requests of %s: %w", r.Requester, err)
	}
	for _, o := range others {
		if o.ID != r.ID && o.Model == r.Model && o.Outstanding() {
			return fmt.Errorf("reopen request %s: %w: request %s for %s is already %s",
				r.ID, keyrequest.ErrInvalidTransition, o.ID, r.Model, o.State)
		}
	}
	return nil
}

func overrideReason(target keyrequest.State) string {
	switch target {
	case keyrequest.StateApproved:
		return "Approved by administrator"
	case keyrequest.StateDenied:
		return "Request denied by administrator"
	case keyrequest.StateReview:
		return "Marked for review by administrator"
	default:
		return "Returned to the approval queue by administrator"
	}
}

// Models returns the model catalog.
func (s *KeyService) Models(ctx context.Context) []config.Model {
	return s.catalog.Models(ctx)
}
