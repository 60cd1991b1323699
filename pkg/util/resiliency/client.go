// Package resiliency wraps http.Client with a circuit breaker, trace context
// propagation and bounded retries for idempotent calls.
package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without a network call while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Client is safe for concurrent use.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client, including its timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how often DoIdempotent retries after the first attempt.
func WithRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient returns a client named after the upstream it talks to.
func NewClient(name string, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req exactly once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req, 0)
}

// DoIdempotent retries transport errors and 5xx responses with exponential
// backoff and jitter. req must be replayable (nil body or GetBody set).
func (c *Client) DoIdempotent(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("request to %s is not replayable", req.URL)
	}
	return c.do(req, c.maxRetries)
}

func (c *Client) do(req *http.Request, retries int) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.name)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, fmt.Errorf("rewind body: %w", gerr)
			}
			req.Body = body
		}

		resp, err = c.http.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if attempt >= retries {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if serr := sleep(req.Context(), c.backoff(attempt)); serr != nil {
			err = serr
			resp = nil
			break
		}
	}

	c.breaker.Failure()
	return resp, err
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Open reports whether calls are currently being rejected.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == stateOpen
}
