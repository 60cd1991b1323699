package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

// Memory keeps requests in process. Contents are lost on restart.
type Memory struct {
	mu          sync.RWMutex
	opts        options
	records     map[string]*keyrequest.Request
	byState     map[keyrequest.State]map[string]struct{}
	byRequester map[string]map[string]struct{}
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:        applyOptions(opts),
		records:     make(map[string]*keyrequest.Request),
		byState:     make(map[keyrequest.State]map[string]struct{}),
		byRequester: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) index(r *keyrequest.Request) {
	if m.byState[r.State] == nil {
		m.byState[r.State] = make(map[string]struct{})
	}
	m.byState[r.State][r.ID] = struct{}{}
	if m.byRequester[r.Requester] == nil {
		m.byRequester[r.Requester] = make(map[string]struct{})
	}
	m.byRequester[r.Requester][r.ID] = struct{}{}
}

func (m *Memory) unindex(r *keyrequest.Request) {
	delete(m.byState[r.State], r.ID)
	delete(m.byRequester[r.Requester], r.ID)
}

func (m *Memory) Create(_ context.Context, r *keyrequest.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("key request %s already exists", r.ID)
	}
	c := r.Clone()
	m.records[r.ID] = c
	m.index(c)
	return nil
}

func (m *Memory) Find(_ context.Context, id string) (*keyrequest.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *Memory) FindByRequester(ctx context.Context, requester string) (*keyrequest.Request, error) {
	all, err := m.ListByRequester(ctx, requester)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: requester %s", keyrequest.ErrNotFound, requester)
	}
	return all[len(all)-1], nil
}

func (m *Memory) ListByRequester(_ context.Context, requester string) ([]*keyrequest.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byRequester[requester]), nil
}

func (m *Memory) FindByState(_ context.Context, state keyrequest.State) ([]*keyrequest.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byState[state]), nil
}

func (m *Memory) List(_ context.Context) ([]*keyrequest.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*keyrequest.Request, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) collect(ids map[string]struct{}) []*keyrequest.Request {
	out := make([]*keyrequest.Request, 0, len(ids))
	for id := range ids {
		out = append(out, m.records[id].Clone())
	}
	sortByCreated(out)
	return out
}

func (m *Memory) Update(_ context.Context, id string, changes keyrequest.Changes) (*keyrequest.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	m.unindex(r)
	changes.Apply(r, m.opts.now())
	m.index(r)
	return r.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	m.unindex(r)
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortByCreated(rs []*keyrequest.Request) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
