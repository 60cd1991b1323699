package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callbackPlugin(t *testing.T, url, timeout string) Plugin {
	t.Helper()
	plugins, err := Build([]PluginConfig{{Type: "http", Name: "remote", Endpoint: url, Timeout: timeout}}, Dependencies{})
	require.NoError(t, err)
	return plugins[0]
}

func TestCallbackDecisions(t *testing.T) {
	tests := []struct {
		body string
		want Decision
	}{
		{`{"decision":"APPROVE"}`, Approve},
		{`{"decision":"deny"}`, Deny},
		{`{"decision":"Continue"}`, Continue},
		{`{"decision":"review"}`, Review},
		{`{"decision":"MAYBE"}`, Continue},
		{`{"decision":""}`, Continue},
		{`{"verdict":"APPROVE"}`, Continue},
		{`{"decision":true}`, Continue},
		{`not json`, Continue},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d, err := callbackPlugin(t, srv.URL, "").Evaluate(context.Background(), Subject{Requester: "a@b.co", Model: "m", RequestID: "r"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestCallbackSendsPayload(t *testing.T) {
	var got callbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"decision":"APPROVE"}`))
	}))
	defer srv.Close()

	d, err := callbackPlugin(t, srv.URL, "1s").Evaluate(context.Background(), Subject{Requester: "a@b.co", Model: "gpt-4", RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, Approve, d)
	assert.Equal(t, callbackRequest{Email: "a@b.co", Model: "gpt-4", RequestID: "r-1"}, got)
}

func TestCallbackFailsOpen(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		}))
		defer srv.Close()

		d, err := callbackPlugin(t, srv.URL, "").Evaluate(context.Background(), Subject{})
		require.NoError(t, err)
		assert.Equal(t, Continue, d)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		start := time.Now()
		d, err := callbackPlugin(t, srv.URL, "50ms").Evaluate(context.Background(), Subject{})
		require.NoError(t, err)
		assert.Equal(t, Continue, d)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unreachable", func(t *testing.T) {
		d, err := callbackPlugin(t, "http://127.0.0.1:1/decide", "").Evaluate(context.Background(), Subject{})
		require.NoError(t, err)
		assert.Equal(t, Continue, d)
	})
}
