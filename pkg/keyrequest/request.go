// Package keyrequest defines the key request entity, its lifecycle states and
// the rules governing transitions between them.
package keyrequest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a request as persisted.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateReview   State = "in-review"
)

// States lists every state in display order.
var States = []State{StatePending, StateReview, StateApproved, StateDenied}

var (
	ErrNotFound          = errors.New("key request not found")
	ErrInvalidTransition = errors.New("invalid key request transition")
	ErrInvalidState      = errors.New("invalid key request state")
)

// ParseState accepts the stored form and the upper-case verdict names.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatePending, nil
	case "approved":
		return StateApproved, nil
	case "denied":
		return StateDenied, nil
	case "in-review", "review", "in_review":
		return StateReview, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

// Terminal reports whether no further engine-driven transition is possible.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateDenied
}

// Request is one requester asking for a credential scoped to one model.
type Request struct {
	ID        string    `json:"request_id"`
	Requester string    `json:"email"`
	Model     string    `json:"model"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	APIKey    string    `json:"api_key,omitempty"`
}

// New returns a PENDING request with a fresh id.
func New(requester, model string, now time.Time) *Request {
	now = now.UTC()
	return &Request{
		ID:        uuid.NewString(),
		Requester: requester,
		Model:     model,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Alias is the credential alias, stable for a (requester, model) pair.
func (r *Request) Alias() string {
	return fmt.Sprintf("user-%s-%s", r.Requester, r.Model)
}

// DisplayName is the human readable credential name.
func (r *Request) DisplayName() string {
	return fmt.Sprintf("%s - %s", r.Requester, r.Model)
}

// Outstanding reports whether the request still awaits a final decision.
func (r *Request) Outstanding() bool {
	return !r.State.Terminal()
}

// Clone returns a copy safe to hand out of a store.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Changes is the set of field updates applied by a store update.
type Changes struct {
	State       *State
	APIKey      *string
	ClearAPIKey bool
}

// WithState is a convenience constructor for a state-only change.
func WithState(s State) Changes {
	return Changes{State: &s}
}

// Apply mutates r in place and stamps UpdatedAt.
func (c Changes) Apply(r *Request, now time.Time) {
	if c.State != nil {
		r.State = *c.State
	}
	if c.ClearAPIKey {
		r.APIKey = ""
	}
	if c.APIKey != nil {
		r.APIKey = *c.APIKey
	}
	r.UpdatedAt = now.UTC()
}
