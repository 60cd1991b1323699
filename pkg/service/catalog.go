package service

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vosiander/llm-key-requestor/pkg/config"
	"github.com/vosiander/llm-key-requestor/pkg/credentials"
)

const (
	remoteIcon  = "mdi:robot"
	remoteColor = "#6366f1"
)

// ModelSource lists models served by the gateway.
type ModelSource interface {
	ListModels(ctx context.Context) ([]credentials.Model, error)
}

// Catalog merges configured models with the gateway's. Configured entries
// win on id collisions.
type Catalog struct {
	local  []config.Model
	remote ModelSource
	logger *slog.Logger
}

// NewCatalog returns a catalog; remote may be nil to serve local models only.
func NewCatalog(local []config.Model, remote ModelSource) *Catalog {
	return &Catalog{
		local:  local,
		remote: remote,
		logger: slog.Default().With("component", "catalog"),
	}
}

// Models never fails: a gateway error is logged and the local list served.
func (c *Catalog) Models(ctx context.Context) []config.Model {
	var remote []credentials.Model
	if c.remote != nil {
		var err error
		remote, err = c.remote.ListModels(ctx)
		if err != nil {
			c.logger.ErrorContext(ctx, "fetching gateway models failed", "error", err)
			remote = nil
		}
	}

	order := make([]string, 0, len(remote)+len(c.local))
	byID := make(map[string]config.Model, len(remote)+len(c.local))
	for _, m := range remote {
		if m.ID == "" {
			continue
		}
		if _, dup := byID[m.ID]; !dup {
			order = append(order, m.ID)
		}
		byID[m.ID] = fromGateway(m.ID)
	}
	for _, m := range c.local {
		if _, dup := byID[m.ID]; !dup {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	out := make([]config.Model, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	c.logger.DebugContext(ctx, "model catalog", "total", len(out), "local", len(c.local), "gateway", len(remote))
	return out
}

// fromGateway builds catalog metadata for a model the configuration does not
// describe. Casers are not safe for concurrent use.
func fromGateway(id string) config.Model {
	return config.Model{
		ID:          id,
		Title:       cases.Title(language.English).String(strings.ReplaceAll(id, "-", " ")),
		Icon:        remoteIcon,
		Color:       remoteColor,
		Description: "Model from LiteLLM: " + id,
	}
}
