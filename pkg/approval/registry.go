package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrConfig marks a plugin configuration problem. It is fatal at startup.
var ErrConfig = errors.New("invalid approval plugin configuration")

// PluginConfig is the per-plugin section of the approval configuration.
// Which fields are required depends on Type.
type PluginConfig struct {
	Type       string   `yaml:"type" json:"type"`
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	List       []string `yaml:"list,omitempty" json:"list,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Endpoint   string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Email      string   `yaml:"email,omitempty" json:"email,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
	Decision   string   `yaml:"decision,omitempty" json:"decision,omitempty"`
}

// Dependencies are the collaborators a plugin constructor may need.
type Dependencies struct {
	Reviewer   ReviewNotifier
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type factory func(cfg PluginConfig, deps Dependencies) (Plugin, error)

var registry = map[string]factory{
	"allowlist":      newAllowList,
	"whitelist":      newAllowList,
	"denylist":       newDenyList,
	"blacklist":      newDenyList,
	"email":          newRequesterGate,
	"http":           newCallback,
	"humanintheloop": newHumanReview,
	"review":         newHumanReview,
	"cel":            newCEL,
}

// Types lists the registered plugin type tags.
func Types() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the ordered plugin chain. Any configuration error aborts
// the whole build.
func Build(cfgs []PluginConfig, deps Dependencies) ([]Plugin, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "approval")
	}
	plugins := make([]Plugin, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, cfg := range cfgs {
		tag := strings.ToLower(strings.TrimSpace(cfg.Type))
		ctor, ok := registry[tag]
		if !ok {
			return nil, fmt.Errorf("%w: plugin %d: unknown type %q", ErrConfig, i, cfg.Type)
		}
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("%s#%d", tag, i)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%w: duplicate plugin name %q", ErrConfig, cfg.Name)
		}
		seen[cfg.Name] = true

		p, err := ctor(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("%w: plugin %s: %v", ErrConfig, cfg.Name, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

func patternsOf(cfg PluginConfig) []string {
	out := append([]string(nil), cfg.List...)
	if cfg.Pattern != "" {
		out = append(out, cfg.Pattern)
	}
	return out
}

func requireGlobs(cfg PluginConfig) (*globList, error) {
	patterns := patternsOf(cfg)
	if len(patterns) == 0 {
		return nil, errors.New("at least one pattern is required in list")
	}
	return newGlobList(patterns)
}

func newAllowList(cfg PluginConfig, _ Dependencies) (Plugin, error) {
	g, err := requireGlobs(cfg)
	if err != nil {
		return nil, err
	}
	return &modelGate{name: cfg.Name, models: g, onMatch: Approve}, nil
}

func newDenyList(cfg PluginConfig, _ Dependencies) (Plugin, error) {
	g, err := requireGlobs(cfg)
	if err != nil {
		return nil, err
	}
	return &modelGate{name: cfg.Name, models: g, onMatch: Deny}, nil
}

func newRequesterGate(cfg PluginConfig, _ Dependencies) (Plugin, error) {
	g, err := requireGlobs(cfg)
	if err != nil {
		return nil, err
	}
	return &requesterGate{name: cfg.Name, requesters: g}, nil
}

func newHumanReview(cfg PluginConfig, deps Dependencies) (Plugin, error) {
	g, err := requireGlobs(cfg)
	if err != nil {
		return nil, err
	}
	return &humanReview{
		name:     cfg.Name,
		models:   g,
		reviewer: cfg.Email,
		notifier: deps.Reviewer,
		logger:   deps.Logger,
	}, nil
}

func newCallback(cfg PluginConfig, deps Dependencies) (Plugin, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		timeout = d
	}
	return newRemoteCallback(cfg.Name, cfg.Endpoint, timeout, deps.HTTPClient, deps.Logger)
}

func newCEL(cfg PluginConfig, _ Dependencies) (Plugin, error) {
	if cfg.Expression == "" {
		return nil, errors.New("expression is required")
	}
	onMatch := Approve
	if cfg.Decision != "" {
		d, err := ParseDecision(cfg.Decision)
		if err != nil {
			return nil, err
		}
		if d == Continue {
			return nil, errors.New("decision CONTINUE makes the rule a no-op")
		}
		onMatch = d
	}
	return newCELRule(cfg.Name, cfg.Expression, onMatch)
}
