package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/credentials"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

type fakeIssuer struct {
	mu        sync.Mutex
	calls     []string
	issued    int
	issueErr  error
	revokeErr error
}

func (f *fakeIssuer) Issue(_ context.Context, spec credentials.KeySpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "issue:"+spec.Alias)
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issued++
	return fmt.Sprintf("sk-%d", f.issued), nil
}

func (f *fakeIssuer) Revoke(_ context.Context, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "revoke:"+alias)
	return f.revokeErr
}

type sent struct {
	kind, to, model, detail string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sent
	deliver bool
}

func (n *fakeNotifier) record(s sent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	return n.deliver
}

func (n *fakeNotifier) NotifyApproval(_ context.Context, to, model, apiKey, gatewayURL string) bool {
	return n.record(sent{"approval", to, model, apiKey + "@" + gatewayURL})
}

func (n *fakeNotifier) NotifyDenial(_ context.Context, to, model, reason string) bool {
	return n.record(sent{"denial", to, model, reason})
}

func (n *fakeNotifier) NotifyReview(_ context.Context, to, subject, _ string) bool {
	return n.record(sent{"review", to, "", subject})
}

type failingStore struct {
	store.Store
}

func (failingStore) Update(context.Context, string, keyrequest.Changes) (*keyrequest.Request, error) {
	return nil, errors.New("store offline")
}

func setup(t *testing.T) (*Executor, *store.Memory, *fakeIssuer, *fakeNotifier, *keyrequest.Request) {
	t.Helper()
	s := store.NewMemory()
	iss := &fakeIssuer{}
	n := &fakeNotifier{deliver: true}
	r := keyrequest.New("dev@corp.com", "gpt-4", time.Now())
	require.NoError(t, s.Create(context.Background(), r))
	return New(s, iss, n, "http://gateway:4000"), s, iss, n, r
}

func TestApproveIssuesAfterRevoking(t *testing.T) {
	e, s, iss, n, r := setup(t)

	out, err := e.Execute(context.Background(), approval.Approved("allow"), r)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateApproved, out.State)
	assert.Equal(t, "sk-1", out.APIKey)

	assert.Equal(t, []string{"revoke:user-dev@corp.com-gpt-4", "issue:user-dev@corp.com-gpt-4"}, iss.calls)
	require.Len(t, n.sent, 1)
	assert.Equal(t, sent{"approval", "dev@corp.com", "gpt-4", "sk-1@http://gateway:4000"}, n.sent[0])

	stored, err := s.Find(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateApproved, stored.State)
	assert.Equal(t, "sk-1", stored.APIKey)
}

func TestIssueFailureDenies(t *testing.T) {
	e, s, iss, n, r := setup(t)
	iss.issueErr = errors.New("gateway down")

	out, err := e.Execute(context.Background(), approval.Approved("allow"), r)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, out.State)
	assert.Empty(t, out.APIKey)

	require.Len(t, n.sent, 1)
	assert.Equal(t, "denial", n.sent[0].kind)
	assert.Equal(t, "Failed to generate API key: gateway down", n.sent[0].detail)

	stored, err := s.Find(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, stored.State)
}

func TestRevokeFailureDenies(t *testing.T) {
	e, _, iss, n, r := setup(t)
	iss.revokeErr = errors.New("forbidden")

	out, err := e.Execute(context.Background(), approval.Approved("allow"), r)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, out.State)
	assert.Equal(t, []string{"revoke:user-dev@corp.com-gpt-4"}, iss.calls)
	assert.Contains(t, n.sent[0].detail, "Failed to generate API key: revoke previous key: forbidden")
}

func TestDenyPersistsEvenWhenNotificationFails(t *testing.T) {
	e, s, iss, n, r := setup(t)
	n.deliver = false

	out, err := e.Execute(context.Background(), approval.Denied("deny"), r)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, out.State)
	assert.Empty(t, iss.calls, "nothing to revoke")
	assert.Equal(t, sent{"denial", "dev@corp.com", "gpt-4", "denied by plugin deny"}, n.sent[0])

	stored, err := s.Find(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, stored.State)
}

func TestReviewOnlyPersists(t *testing.T) {
	e, _, iss, n, r := setup(t)

	out, err := e.Execute(context.Background(), approval.InReview("hitl"), r)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateReview, out.State)
	assert.Empty(t, iss.calls)
	assert.Empty(t, n.sent)
}

func TestEnginePendingIsNoop(t *testing.T) {
	e, s, _, n, r := setup(t)

	out, err := e.Execute(context.Background(), approval.Deferred("later"), r)
	require.NoError(t, err)
	assert.Equal(t, r, out)
	assert.Empty(t, n.sent)

	stored, err := s.Find(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.UpdatedAt, stored.UpdatedAt)
}

func TestEngineCannotReopenTerminalRequest(t *testing.T) {
	e, _, iss, _, r := setup(t)
	r.State = keyrequest.StateApproved

	_, err := e.Execute(context.Background(), approval.Denied("deny"), r)
	assert.ErrorIs(t, err, keyrequest.ErrInvalidTransition)
	assert.Empty(t, iss.calls)
}

func TestPersistFailureOnApprovalSkipsNotification(t *testing.T) {
	_, _, iss, n, r := setup(t)
	e := New(failingStore{store.NewMemory()}, iss, n, "http://gateway:4000")

	_, err := e.Execute(context.Background(), approval.Approved("allow"), r)
	require.Error(t, err)
	assert.Empty(t, n.sent)
}

func TestOverrideRoundTripRevokesBeforeReissue(t *testing.T) {
	e, s, iss, n, r := setup(t)
	ctx := context.Background()

	cur, err := e.Execute(ctx, approval.Approved("allow"), r)
	require.NoError(t, err)

	cur, err = e.Execute(ctx, approval.Verdict{State: keyrequest.StateDenied, Reason: "revoked by admin", Override: true}, cur)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, cur.State)
	assert.Empty(t, cur.APIKey)

	cur, err = e.Execute(ctx, approval.Verdict{State: keyrequest.StateApproved, Override: true}, cur)
	require.NoError(t, err)
	assert.Equal(t, "sk-2", cur.APIKey)

	alias := "user-dev@corp.com-gpt-4"
	assert.Equal(t, []string{
		"revoke:" + alias, "issue:" + alias,
		"revoke:" + alias,
		"revoke:" + alias, "issue:" + alias,
	}, iss.calls)
	assert.Equal(t, []string{"approval", "denial", "approval"}, kinds(n.sent))

	stored, err := s.Find(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateApproved, stored.State)
}

func TestOverrideToPendingRequeues(t *testing.T) {
	e, _, _, _, r := setup(t)
	r2, err := e.Execute(context.Background(), approval.InReview("hitl"), r)
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), approval.Verdict{State: keyrequest.StatePending, Override: true}, r2)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StatePending, out.State)
}

func TestOverrideOutOfApprovedRevokesKey(t *testing.T) {
	alias := "user-dev@corp.com-gpt-4"
	for _, target := range []keyrequest.State{keyrequest.StateReview, keyrequest.StatePending} {
		t.Run(string(target), func(t *testing.T) {
			e, s, iss, n, r := setup(t)
			ctx := context.Background()

			cur, err := e.Execute(ctx, approval.Approved("allow"), r)
			require.NoError(t, err)
			require.Equal(t, "sk-1", cur.APIKey)

			out, err := e.Execute(ctx, approval.Verdict{State: target, Override: true}, cur)
			require.NoError(t, err)
			assert.Equal(t, target, out.State)
			assert.Empty(t, out.APIKey)
			assert.Equal(t, []string{"revoke:" + alias, "issue:" + alias, "revoke:" + alias}, iss.calls)
			assert.Equal(t, []string{"approval"}, kinds(n.sent))

			stored, err := s.Find(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, target, stored.State)
			assert.Empty(t, stored.APIKey)
		})
	}
}

func TestRequeueClearsKeyWhenRevokeFails(t *testing.T) {
	e, s, iss, _, r := setup(t)
	ctx := context.Background()

	cur, err := e.Execute(ctx, approval.Approved("allow"), r)
	require.NoError(t, err)
	iss.revokeErr = errors.New("gateway down")

	out, err := e.Execute(ctx, approval.Verdict{State: keyrequest.StateReview, Override: true}, cur)
	require.NoError(t, err)
	assert.Empty(t, out.APIKey)

	stored, err := s.Find(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateReview, stored.State)
	assert.Empty(t, stored.APIKey)
}

func kinds(ss []sent) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.kind
	}
	return out
}
