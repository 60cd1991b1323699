package approval

import "context"

// modelGate approves or denies requests whose model matches any pattern and
// passes everything else on.
type modelGate struct {
	name    string
	models  *globList
	onMatch Decision
}

func (p *modelGate) Name() string { return p.name }

func (p *modelGate) Evaluate(_ context.Context, s Subject) (Decision, error) {
	if _, ok := p.models.match(s.Model); ok {
		return p.onMatch, nil
	}
	return Continue, nil
}

// requesterGate approves requesters whose address matches a pattern and
// denies everyone else.
type requesterGate struct {
	name       string
	requesters *globList
}

func (p *requesterGate) Name() string { return p.name }

func (p *requesterGate) Evaluate(_ context.Context, s Subject) (Decision, error) {
	if _, ok := p.requesters.match(s.Requester); ok {
		return Approve, nil
	}
	return Deny, nil
}
