// Package store persists key requests. Every backend keeps the same flat
// record and the two queryable labels (state, requester) so the reconcile
// loop can scan by state and the service can look up by requester.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

// Store is the persistence contract. Lookups of unknown ids return
// keyrequest.ErrNotFound. Update is a read-modify-write of one record and
// always bumps UpdatedAt.
type Store interface {
	Create(ctx context.Context, r *keyrequest.Request) error
	Find(ctx context.Context, id string) (*keyrequest.Request, error)
	// FindByRequester returns the most recently created request of requester.
	FindByRequester(ctx context.Context, requester string) (*keyrequest.Request, error)
	// ListByRequester returns all requests of requester, oldest first.
	ListByRequester(ctx context.Context, requester string) ([]*keyrequest.Request, error)
	// FindByState returns requests in state, oldest first.
	FindByState(ctx context.Context, state keyrequest.State) ([]*keyrequest.Request, error)
	List(ctx context.Context) ([]*keyrequest.Request, error)
	Update(ctx context.Context, id string, changes keyrequest.Changes) (*keyrequest.Request, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// errUndecodable marks a stored record that cannot be turned back into a
// request. Scans skip such records; direct lookups return the error.
var errUndecodable = errors.New("undecodable record")

// Option configures a backend.
type Option func(*options)

type options struct {
	sealer *Sealer
	now    func() time.Time
	logger *slog.Logger
}

func defaultOptions() options {
	return options{now: time.Now, logger: slog.Default().With("component", "store")}
}

// WithSealer encrypts api keys at rest.
func WithSealer(s *Sealer) Option {
	return func(o *options) { o.sealer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) seal(plain string) (string, error) {
	if o.sealer == nil {
		return plain, nil
	}
	return o.sealer.Seal(plain)
}

func (o options) open(stored string) (string, error) {
	if o.sealer == nil {
		return stored, nil
	}
	return o.sealer.Open(stored)
}

func (o options) skipped(ctx context.Context, err error) {
	o.logger.WarnContext(ctx, "skipping undecodable key request", "error", err)
}
