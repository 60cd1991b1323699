package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vosiander/llm-key-requestor/pkg/util/resiliency"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
	generatePath    = "/key/generate"
	deletePath      = "/key/delete"
	modelsPath      = "/v1/models"
)

// LiteLLMConfig binds the client to one proxy.
type LiteLLMConfig struct {
	BaseURL   string
	MasterKey string
	Timeout   time.Duration
}

// LiteLLM talks to the key management API of a LiteLLM proxy.
type LiteLLM struct {
	baseURL   string
	masterKey string
	client    *resiliency.Client
}

// NewLiteLLM returns a client for cfg.BaseURL.
func NewLiteLLM(cfg LiteLLMConfig) *LiteLLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LiteLLM{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		masterKey: cfg.MasterKey,
		client: resiliency.NewClient("litellm",
			resiliency.WithHTTPClient(&http.Client{Timeout: timeout})),
	}
}

// BaseURL is the gateway address handed to requesters.
func (l *LiteLLM) BaseURL() string { return l.baseURL }

type generateRequest struct {
	UserID   string   `json:"user_id"`
	KeyAlias string   `json:"key_alias"`
	KeyName  string   `json:"key_name,omitempty"`
	Models   []string `json:"models"`
}

type generateResponse struct {
	Key string `json:"key"`
}

// Issue mints a key. It is not retried: a lost response would otherwise
// leave two keys under one alias.
func (l *LiteLLM) Issue(ctx context.Context, spec KeySpec) (string, error) {
	req, err := l.newJSONRequest(ctx, http.MethodPost, generatePath, generateRequest{
		UserID:   spec.Owner,
		KeyAlias: spec.Alias,
		KeyName:  spec.DisplayName,
		Models:   spec.Models,
	})
	if err != nil {
		return "", err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: generate key: %v", ErrIssuer, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: generate key: status %d: %s", ErrIssuer, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: generate key: decode: %v", ErrIssuer, err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("%w: generate key: empty key in response", ErrIssuer)
	}
	return out.Key, nil
}

type deleteRequest struct {
	KeyAliases []string `json:"key_aliases"`
}

// Revoke deletes every key under alias. A missing alias is not an error.
func (l *LiteLLM) Revoke(ctx context.Context, alias string) error {
	req, err := l.newJSONRequest(ctx, http.MethodPost, deletePath, deleteRequest{KeyAliases: []string{alias}})
	if err != nil {
		return err
	}

	resp, err := l.client.DoIdempotent(req)
	if err != nil {
		return fmt.Errorf("%w: delete key: %v", ErrIssuer, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound, notFoundBody(body):
		return nil
	default:
		return fmt.Errorf("%w: delete key: status %d: %s", ErrIssuer, resp.StatusCode, bytes.TrimSpace(body))
	}
}

// Model is one entry of the proxy's OpenAI compatible model listing.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelList struct {
	Data []Model `json:"data"`
}

// ListModels returns the models the proxy serves.
func (l *LiteLLM) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %v", ErrIssuer, err)
	}
	l.authorize(req)

	resp, err := l.client.DoIdempotent(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %v", ErrIssuer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list models: status %d", ErrIssuer, resp.StatusCode)
	}
	var out modelList
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: list models: decode: %v", ErrIssuer, err)
	}
	return out.Data, nil
}

func (l *LiteLLM) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrIssuer, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", ErrIssuer, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	l.authorize(req)
	return req, nil
}

func (l *LiteLLM) authorize(req *http.Request) {
	if l.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.masterKey)
	}
}

func notFoundBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "not found") || strings.Contains(s, "does not exist")
}
