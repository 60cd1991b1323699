package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELRule(t *testing.T) {
	plugins, err := Build([]PluginConfig{{
		Type:       "cel",
		Name:       "corp-gpt",
		Expression: `email.endsWith("@corp.com") && model.startsWith("gpt-")`,
	}}, Dependencies{})
	require.NoError(t, err)
	p := plugins[0]

	d, err := p.Evaluate(context.Background(), Subject{Requester: "a@corp.com", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, Approve, d)

	d, err = p.Evaluate(context.Background(), Subject{Requester: "a@else.com", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, Continue, d)
}

func TestCELRuleCustomDecision(t *testing.T) {
	plugins, err := Build([]PluginConfig{{
		Type:       "cel",
		Expression: `model.matches("^o[0-9]")`,
		Decision:   "review",
	}}, Dependencies{})
	require.NoError(t, err)

	d, err := plugins[0].Evaluate(context.Background(), Subject{Requester: "a@b.co", Model: "o1-preview"})
	require.NoError(t, err)
	assert.Equal(t, Review, d)
}
