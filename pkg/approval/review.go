package approval

import (
	"context"
	"fmt"
	"log/slog"
)

// humanReview parks matching requests in REVIEW and asks a reviewer to act.
type humanReview struct {
	name     string
	models   *globList
	reviewer string
	notifier ReviewNotifier
	logger   *slog.Logger
}

func (p *humanReview) Name() string { return p.name }

func (p *humanReview) Evaluate(ctx context.Context, s Subject) (Decision, error) {
	if _, ok := p.models.match(s.Model); !ok {
		return Continue, nil
	}
	p.notify(ctx, s)
	return Review, nil
}

func (p *humanReview) notify(ctx context.Context, s Subject) {
	if p.reviewer == "" || p.notifier == nil {
		p.logger.WarnContext(ctx, "no reviewer configured, request parked silently",
			"plugin", p.name, "request_id", s.RequestID)
		return
	}
	subject := fmt.Sprintf("Approval required for %s", s.Model)
	body := fmt.Sprintf("A request was made for a model that requires human approval.\n"+
		"Please review and approve or deny the request.\n\n"+
		"Request ID: %s\nModel: %s\nUser Email: %s\n", s.RequestID, s.Model, s.Requester)

	if !p.notifier.NotifyReview(ctx, p.reviewer, subject, body) {
		p.logger.WarnContext(ctx, "reviewer notification not delivered",
			"plugin", p.name, "request_id", s.RequestID, "reviewer", p.reviewer)
	}
}
