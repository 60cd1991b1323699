package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

// Verdict is the aggregate outcome for one request.
type Verdict struct {
	State    keyrequest.State `json:"state"`
	Reason   string           `json:"reason"`
	CanRetry bool             `json:"can_retry"`
	// Plugin names the plugin that decided; empty for defaults and overrides.
	Plugin string `json:"plugin,omitempty"`
	// Override marks an administrative decision rather than an engine one.
	Override bool `json:"override,omitempty"`
}

// Origin maps the verdict to the transition origin it must be checked under.
func (v Verdict) Origin() keyrequest.Origin {
	if v.Override {
		return keyrequest.OriginAdmin
	}
	return keyrequest.OriginEngine
}

// Digest is a stable hash of the verdict bound to a request id, logged
// alongside every applied decision so audit lines can be correlated.
func (v Verdict) Digest(requestID string) (string, error) {
	raw, err := json.Marshal(struct {
		RequestID string `json:"request_id"`
		Verdict
	}{requestID, v})
	if err != nil {
		return "", fmt.Errorf("marshal verdict: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize verdict: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Approved builds an engine APPROVED verdict.
func Approved(plugin string) Verdict {
	return Verdict{State: keyrequest.StateApproved, Reason: "approved by plugin " + plugin, Plugin: plugin}
}

// Denied builds an engine DENIED verdict.
func Denied(plugin string) Verdict {
	return Verdict{State: keyrequest.StateDenied, Reason: "denied by plugin " + plugin, Plugin: plugin}
}

// InReview builds an engine REVIEW verdict.
func InReview(plugin string) Verdict {
	return Verdict{State: keyrequest.StateReview, Reason: "review by plugin " + plugin, Plugin: plugin}
}

// Deferred builds a PENDING verdict; the request is retried on the next tick.
func Deferred(plugin string) Verdict {
	return Verdict{State: keyrequest.StatePending, Reason: "pending by plugin " + plugin, CanRetry: true, Plugin: plugin}
}
