package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

// stateApplier persists the verdict state and remembers what it was asked.
type stateApplier struct {
	s        store.Store
	mu       sync.Mutex
	verdicts []approval.Verdict
}

func (a *stateApplier) Execute(ctx context.Context, v approval.Verdict, r *keyrequest.Request) (*keyrequest.Request, error) {
	a.mu.Lock()
	a.verdicts = append(a.verdicts, v)
	a.mu.Unlock()
	return a.s.Update(ctx, r.ID, keyrequest.WithState(v.State))
}

func newService(t *testing.T) (*KeyService, *store.Memory, *stateApplier) {
	t.Helper()
	s := store.NewMemory()
	a := &stateApplier{s: s}
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := New(s, a, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	return svc, s, a
}

func TestSubmitCreatesPending(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, " dev@corp.com ", "gpt-4")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, keyrequest.StatePending, res.Request.State)
	assert.Equal(t, "dev@corp.com", res.Request.Requester)
	assert.Equal(t, keyrequest.CreatedMessage("gpt-4"), res.Message)

	stored, err := s.Find(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Request.ID, stored.ID)
}

func TestSubmitReturnsOutstandingRequest(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)

	again, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Request.ID, again.Request.ID)
	assert.Equal(t, keyrequest.StatusMessage(keyrequest.StatePending, "gpt-4"), again.Message)

	_, err = s.Update(ctx, first.Request.ID, keyrequest.WithState(keyrequest.StateReview))
	require.NoError(t, err)
	inReview, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	assert.False(t, inReview.Created)
	assert.Equal(t, "Your key request for gpt-4 is being processed.", inReview.Message)

	other, err := svc.Submit(ctx, "dev@corp.com", "claude-3")
	require.NoError(t, err)
	assert.True(t, other.Created, "a different model is a different pair")
}

func TestSubmitAfterDecisionCreatesNewRequest(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	_, err = s.Update(ctx, first.Request.ID, keyrequest.WithState(keyrequest.StateDenied))
	require.NoError(t, err)

	second, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Request.ID, second.Request.ID)
}

func TestSubmitConcurrentSamePair(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListByRequester(ctx, "dev@corp.com")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newService(t)
	cases := []struct{ email, model string }{
		{"", "gpt-4"},
		{"not-an-email", "gpt-4"},
		{"Dev <dev@corp.com>", "gpt-4"},
		{"dev@corp.com", ""},
		{"dev@corp.com", "gpt 4"},
	}
	for _, tc := range cases {
		_, err := svc.Submit(context.Background(), tc.email, tc.model)
		assert.ErrorIs(t, err, ErrInvalidInput, "%q/%q", tc.email, tc.model)
	}
}

func TestListByState(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, "a@corp.com", "m")
	require.NoError(t, err)
	b, err := svc.Submit(ctx, "b@corp.com", "m")
	require.NoError(t, err)
	_, err = s.Update(ctx, b.Request.ID, keyrequest.WithState(keyrequest.StateReview))
	require.NoError(t, err)

	pending, err := svc.ListByState(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.Request.ID, pending[0].ID)

	for _, filter := range []string{"review", "in-review", "REVIEW"} {
		review, err := svc.ListByState(ctx, filter)
		require.NoError(t, err, filter)
		require.Len(t, review, 1, filter)
		assert.Equal(t, b.Request.ID, review[0].ID)
	}

	all, err := svc.ListByState(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := svc.ListByState(ctx, "approved")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.ListByState(ctx, "archived")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetDetails(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)

	got, err := svc.GetDetails(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", got.Model)

	missing, err := svc.GetDetails(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOverride(t *testing.T) {
	svc, _, a := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)

	out, err := svc.Override(ctx, res.Request.ID, keyrequest.StateDenied, "")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, out.State)

	out, err = svc.Override(ctx, res.Request.ID, keyrequest.StateApproved, "budget approved")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateApproved, out.State)

	require.Len(t, a.verdicts, 2)
	assert.True(t, a.verdicts[0].Override)
	assert.Equal(t, "Request denied by administrator", a.verdicts[0].Reason)
	assert.Equal(t, "budget approved", a.verdicts[1].Reason)

	_, err = svc.Override(ctx, "missing", keyrequest.StateApproved, "")
	assert.True(t, errors.Is(err, keyrequest.ErrNotFound))
}

func TestOverrideCannotReopenWhilePairOutstanding(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	_, err = svc.Override(ctx, first.Request.ID, keyrequest.StateDenied, "")
	require.NoError(t, err)
	second, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	require.True(t, second.Created)

	for _, target := range []keyrequest.State{keyrequest.StatePending, keyrequest.StateReview} {
		_, err = svc.Override(ctx, first.Request.ID, target, "")
		assert.ErrorIs(t, err, keyrequest.ErrInvalidTransition, target)
	}

	stored, err := s.Find(ctx, first.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, stored.State)

	all, err := s.ListByRequester(ctx, "dev@corp.com")
	require.NoError(t, err)
	outstanding := 0
	for _, r := range all {
		if r.Outstanding() {
			outstanding++
		}
	}
	assert.Equal(t, 1, outstanding)

	// A different model is not a conflict, and moving within the
	// outstanding states is always allowed.
	_, err = svc.Override(ctx, second.Request.ID, keyrequest.StateReview, "")
	require.NoError(t, err)
	other, err := svc.Submit(ctx, "dev@corp.com", "claude-3")
	require.NoError(t, err)
	_, err = svc.Override(ctx, other.Request.ID, keyrequest.StateDenied, "")
	require.NoError(t, err)
	_, err = svc.Override(ctx, other.Request.ID, keyrequest.StatePending, "")
	require.NoError(t, err)
}

func TestOverrideReopenSerialisedWithSubmit(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "dev@corp.com", "gpt-4")
	require.NoError(t, err)
	_, err = svc.Override(ctx, first.Request.ID, keyrequest.StateDenied, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = svc.Submit(ctx, "dev@corp.com", "gpt-4")
	}()
	go func() {
		defer wg.Done()
		_, _ = svc.Override(ctx, first.Request.ID, keyrequest.StatePending, "")
	}()
	wg.Wait()

	all, err := s.ListByRequester(ctx, "dev@corp.com")
	require.NoError(t, err)
	outstanding := 0
	for _, r := range all {
		if r.Outstanding() {
			outstanding++
		}
	}
	assert.Equal(t, 1, outstanding)
}
