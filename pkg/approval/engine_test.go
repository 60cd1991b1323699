package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

func TestEngineNoPluginsDenies(t *testing.T) {
	v, err := NewEngine(nil).Process(context.Background(), "a@b.co", "gpt-4", "r1")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, v.State)
	assert.Equal(t, "no approval plugins configured", v.Reason)
	assert.False(t, v.CanRetry)
}

func TestEngineAllContinueDenies(t *testing.T) {
	a := &fixedPlugin{name: "a", d: Continue}
	b := &fixedPlugin{name: "b", d: Continue}

	v, err := NewEngine([]Plugin{a, b}).Process(context.Background(), "a@b.co", "gpt-4", "r1")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, v.State)
	assert.False(t, v.CanRetry)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestEngineFirstDecisionWins(t *testing.T) {
	tests := []struct {
		decision Decision
		state    keyrequest.State
		reason   string
		retry    bool
	}{
		{Approve, keyrequest.StateApproved, "approved by plugin second", false},
		{Deny, keyrequest.StateDenied, "denied by plugin second", false},
		{Review, keyrequest.StateReview, "review by plugin second", false},
		{Pending, keyrequest.StatePending, "pending by plugin second", true},
	}
	for _, tt := range tests {
		t.Run(tt.decision.String(), func(t *testing.T) {
			first := &fixedPlugin{name: "first", d: Continue}
			second := &fixedPlugin{name: "second", d: tt.decision}
			third := &fixedPlugin{name: "third", d: Approve}

			v, err := NewEngine([]Plugin{first, second, third}).Process(context.Background(), "a@b.co", "m", "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, v.State)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.retry, v.CanRetry)
			assert.Equal(t, "second", v.Plugin)
			assert.Zero(t, third.calls, "plugins after a decision must not run")
		})
	}
}

func TestEnginePluginError(t *testing.T) {
	boom := errors.New("boom")
	p := &fixedPlugin{name: "broken", err: boom}
	after := &fixedPlugin{name: "after", d: Approve}

	_, err := NewEngine([]Plugin{p, after}).Process(context.Background(), "a@b.co", "m", "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, after.calls)
}

type cancellingPlugin struct {
	cancel context.CancelFunc
}

func (p *cancellingPlugin) Name() string { return "remote" }

func (p *cancellingPlugin) Evaluate(context.Context, Subject) (Decision, error) {
	p.cancel()
	return Continue, nil
}

func TestEngineCancelledContextLeavesRequestUndecided(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	after := &fixedPlugin{name: "after", d: Continue}

	v, err := NewEngine([]Plugin{&cancellingPlugin{cancel: cancel}, after}).Process(ctx, "a@b.co", "m", "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, v)
	assert.Zero(t, after.calls)
}

// Allowlist of gpt-* followed by denylist of claude-*.
func TestEngineAllowThenDenyChain(t *testing.T) {
	plugins, err := Build([]PluginConfig{
		{Type: "whitelist", Name: "allow", List: []string{"gpt-*"}},
		{Type: "blacklist", Name: "deny", List: []string{"claude-*"}},
	}, Dependencies{})
	require.NoError(t, err)
	e := NewEngine(plugins)

	v, err := e.Process(context.Background(), "a@x.com", "gpt-4", "r1")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateApproved, v.State)
	assert.Equal(t, "approved by plugin allow", v.Reason)

	v, err = e.Process(context.Background(), "a@x.com", "claude-3", "r2")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, v.State)
	assert.Equal(t, "denied by plugin deny", v.Reason)

	v, err = e.Process(context.Background(), "a@x.com", "llama", "r3")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.StateDenied, v.State)
	assert.Empty(t, v.Plugin)

	assert.Equal(t, []string{"allow", "deny"}, e.Plugins())
}

func TestVerdictDigestStable(t *testing.T) {
	v := Approved("allow")
	d1, err := v.Digest("r1")
	require.NoError(t, err)
	d2, err := v.Digest("r1")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Contains(t, d1, "sha256:")

	d3, err := v.Digest("r2")
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestVerdictOrigin(t *testing.T) {
	assert.Equal(t, keyrequest.OriginEngine, Denied("x").Origin())
	assert.Equal(t, keyrequest.OriginAdmin, Verdict{Override: true}.Origin())
}
