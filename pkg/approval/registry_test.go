package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  PluginConfig
	}{
		{"unknown type", PluginConfig{Type: "magic"}},
		{"allowlist without list", PluginConfig{Type: "whitelist"}},
		{"denylist with empty pattern", PluginConfig{Type: "denylist", List: []string{""}}},
		{"email without pattern", PluginConfig{Type: "email"}},
		{"http without endpoint", PluginConfig{Type: "http"}},
		{"http with bad timeout", PluginConfig{Type: "http", Endpoint: "http://x", Timeout: "soon"}},
		{"review without list", PluginConfig{Type: "humanintheloop", Email: "ops@x.com"}},
		{"cel without expression", PluginConfig{Type: "cel"}},
		{"cel syntax error", PluginConfig{Type: "cel", Expression: "model ==="}},
		{"cel non bool", PluginConfig{Type: "cel", Expression: "model + email"}},
		{"cel bad decision", PluginConfig{Type: "cel", Expression: "true", Decision: "MAYBE"}},
		{"cel continue decision", PluginConfig{Type: "cel", Expression: "true", Decision: "continue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]PluginConfig{tt.cfg}, Dependencies{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestBuildDuplicateNames(t *testing.T) {
	_, err := Build([]PluginConfig{
		{Type: "whitelist", Name: "same", List: []string{"a"}},
		{Type: "blacklist", Name: "same", List: []string{"b"}},
	}, Dependencies{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestBuildDefaultNamesAndAliases(t *testing.T) {
	plugins, err := Build([]PluginConfig{
		{Type: "Allowlist", List: []string{"gpt-*"}},
		{Type: "blacklist", List: []string{"claude-*"}},
		{Type: "email", Pattern: "*@corp.com"},
	}, Dependencies{})
	require.NoError(t, err)
	require.Len(t, plugins, 3)
	assert.Equal(t, "allowlist#0", plugins[0].Name())
	assert.Equal(t, "blacklist#1", plugins[1].Name())
	assert.Equal(t, "email#2", plugins[2].Name())
}

func TestTypes(t *testing.T) {
	assert.Contains(t, Types(), "whitelist")
	assert.Contains(t, Types(), "humanintheloop")
	assert.Contains(t, Types(), "cel")
}

func TestRequesterGate(t *testing.T) {
	plugins, err := Build([]PluginConfig{{Type: "email", Pattern: "*@corp.com"}}, Dependencies{})
	require.NoError(t, err)
	p := plugins[0]

	d, err := p.Evaluate(context.Background(), Subject{Requester: "dev@corp.com", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, Approve, d)

	d, err = p.Evaluate(context.Background(), Subject{Requester: "dev@other.com", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, Deny, d)
}

func TestParseDecision(t *testing.T) {
	for _, s := range []string{"approve", "APPROVE", " Deny ", "review", "pending", "continue"} {
		_, err := ParseDecision(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseDecision("yes")
	assert.Error(t, err)
	assert.Equal(t, "Decision(42)", Decision(42).String())
}
