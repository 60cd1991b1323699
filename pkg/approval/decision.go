// Package approval evaluates key requests against an ordered chain of policy
// plugins and produces a Verdict for the action executor.
package approval

import (
	"fmt"
	"strings"
)

// Decision is what a single plugin says about a request.
type Decision int

const (
	// Continue passes the request to the next plugin.
	Continue Decision = iota
	Approve
	Deny
	Review
	Pending
)

var decisionNames = map[Decision]string{
	Continue: "CONTINUE",
	Approve:  "APPROVE",
	Deny:     "DENY",
	Review:   "REVIEW",
	Pending:  "PENDING",
}

func (d Decision) String() string {
	if s, ok := decisionNames[d]; ok {
		return s
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// ParseDecision is case-insensitive.
func ParseDecision(s string) (Decision, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for d, name := range decisionNames {
		if name == want {
			return d, nil
		}
	}
	return Continue, fmt.Errorf("unknown decision %q", s)
}
