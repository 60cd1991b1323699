// Package credentials issues and revokes gateway API keys.
package credentials

import (
	"context"
	"errors"
)

// ErrIssuer wraps every failure reported by the upstream gateway.
var ErrIssuer = errors.New("credential issuer error")

// KeySpec describes a credential to mint.
type KeySpec struct {
	Owner       string
	Alias       string
	DisplayName string
	Models      []string
}

// Issuer mints and revokes credentials. Revoke is idempotent: revoking an
// alias that holds no credential succeeds.
type Issuer interface {
	Issue(ctx context.Context, spec KeySpec) (string, error)
	Revoke(ctx context.Context, alias string) error
}
