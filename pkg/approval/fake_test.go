package approval

import (
	"context"
	"sync"
)

type fixedPlugin struct {
	name  string
	d     Decision
	err   error
	calls int
}

func (p *fixedPlugin) Name() string { return p.name }

func (p *fixedPlugin) Evaluate(context.Context, Subject) (Decision, error) {
	p.calls++
	return p.d, p.err
}

type recordingReviewer struct {
	mu     sync.Mutex
	ok     bool
	to     []string
	bodies []string
}

func (r *recordingReviewer) NotifyReview(_ context.Context, to, _ string, body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.bodies = append(r.bodies, body)
	return r.ok
}
