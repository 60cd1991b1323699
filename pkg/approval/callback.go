package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	defaultCallbackTimeout = 5 * time.Second
	maxCallbackBody        = 64 << 10

	callbackSchemaURL = "callback-decision.json"
	callbackSchema    = `{
  "type": "object",
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string", "minLength": 1}
  }
}`
)

// callbackRequest is the body posted to the remote endpoint.
type callbackRequest struct {
	Email     string `json:"email"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`
}

type callbackResponse struct {
	Decision string `json:"decision"`
}

// remoteCallback delegates the decision to an HTTP endpoint. It fails open:
// any transport error, timeout, bad status, or unparseable body yields
// Continue so the rest of the chain still runs.
type remoteCallback struct {
	name     string
	endpoint string
	client   *http.Client
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

func newRemoteCallback(name, endpoint string, timeout time.Duration, client *http.Client, logger *slog.Logger) (*remoteCallback, error) {
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(callbackSchemaURL, strings.NewReader(callbackSchema)); err != nil {
		return nil, fmt.Errorf("add callback schema: %w", err)
	}
	schema, err := compiler.Compile(callbackSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile callback schema: %w", err)
	}

	return &remoteCallback{
		name:     name,
		endpoint: endpoint,
		client:   &c,
		schema:   schema,
		logger:   logger,
	}, nil
}

func (p *remoteCallback) Name() string { return p.name }

func (p *remoteCallback) Evaluate(ctx context.Context, s Subject) (Decision, error) {
	d, err := p.call(ctx, s)
	if err != nil {
		p.logger.WarnContext(ctx, "callback failed, continuing",
			"plugin", p.name, "request_id", s.RequestID, "error", err)
		return Continue, nil
	}
	return d, nil
}

func (p *remoteCallback) call(ctx context.Context, s Subject) (Decision, error) {
	payload, err := json.Marshal(callbackRequest{Email: s.Requester, Model: s.Model, RequestID: s.RequestID})
	if err != nil {
		return Continue, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Continue, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Continue, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Continue, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCallbackBody))
	if err != nil {
		return Continue, fmt.Errorf("read body: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Continue, fmt.Errorf("parse body: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return Continue, fmt.Errorf("invalid body: %w", err)
	}

	var out callbackResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Continue, fmt.Errorf("decode body: %w", err)
	}
	return ParseDecision(out.Decision)
}
