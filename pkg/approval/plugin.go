package approval

import "context"

// Subject is the input handed to every plugin.
type Subject struct {
	Requester string
	Model     string
	RequestID string
}

// Plugin is a single policy rule. Implementations must not mutate request
// state; notifying a reviewer is the only permitted side effect.
type Plugin interface {
	Name() string
	Evaluate(ctx context.Context, s Subject) (Decision, error)
}

// ReviewNotifier delivers the human review prompt. Delivery is best-effort.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, to, subject, body string) bool
}
