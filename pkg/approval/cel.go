package approval

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celRule evaluates a boolean CEL expression over email, model and
// request_id. True yields the configured decision, false yields Continue.
type celRule struct {
	name    string
	program cel.Program
	onMatch Decision
}

func newCELRule(name, expression string, onMatch Decision) (*celRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("email", cel.StringType),
		cel.Variable("model", cel.StringType),
		cel.Variable("request_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must evaluate to bool, got %s", expression, ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expression, err)
	}
	return &celRule{name: name, program: prg, onMatch: onMatch}, nil
}

func (p *celRule) Name() string { return p.name }

func (p *celRule) Evaluate(ctx context.Context, s Subject) (Decision, error) {
	out, _, err := p.program.ContextEval(ctx, map[string]any{
		"email":      s.Requester,
		"model":      s.Model,
		"request_id": s.RequestID,
	})
	if err != nil {
		return Continue, fmt.Errorf("plugin %s: eval: %w", p.name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return Continue, fmt.Errorf("plugin %s: non-bool result %v", p.name, out.Value())
	}
	if matched {
		return p.onMatch, nil
	}
	return Continue, nil
}
