package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srvURL string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:           srvURL,
		APIKey:            "sk-test",
		Model:             "gpt-4o-mini",
		Timeout:           time.Second,
		RequestsPerSecond: 1000, // tests should not wait on the limiter
		Burst:             1000,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tl := logging.NewTestLogger()
	c, err := NewClient(cfg, tl.Logger)
	require.NoError(t, err)
	return c
}

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])

		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDisambiguate_Success(t *testing.T) {
	srv := completionServer(t, "POST_CONTENT")
	c := newTestClient(t, srv.URL)

	action, err := c.Disambiguate(context.Background(), "share this draft with my followers")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActionPostContent, action)
}

func TestDisambiguate_NormalizesCompletion(t *testing.T) {
	// Models pad answers; ParseAction tolerates case and whitespace.
	srv := completionServer(t, "  get_auth_url\n")
	c := newTestClient(t, srv.URL)

	action, err := c.Disambiguate(context.Background(), "connect my mastodon account")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActionGetAuthURL, action)
}

func TestDisambiguate_UnusableCompletion(t *testing.T) {
	srv := completionServer(t, "I think you want to post something!")
	c := newTestClient(t, srv.URL)

	_, err := c.Disambiguate(context.Background(), "hmm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable completion")
}

func TestDisambiguate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	_, err := c.Disambiguate(context.Background(), "post this")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestDisambiguate_EmptyHint(t *testing.T) {
	srv := completionServer(t, "POST_CONTENT")
	c := newTestClient(t, srv.URL)

	_, err := c.Disambiguate(context.Background(), "   ")
	require.Error(t, err)
}

func TestDisambiguate_ContextCanceled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Disambiguate(ctx, "post this")
	require.Error(t, err)
}

func TestDisambiguate_RateLimited(t *testing.T) {
	srv := completionServer(t, "POST_CONTENT")
	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RequestsPerSecond = 50
		cfg.Burst = 1
	})
	ctx := context.Background()

	// Burst of 1 at 50 rps: the second call must wait roughly 20ms.
	_, err := c.Disambiguate(ctx, "first")
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Disambiguate(ctx, "second")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestNewClient_Validation(t *testing.T) {
	tl := logging.NewTestLogger()

	_, err := NewClient(Config{APIKey: "k"}, tl.Logger)
	assert.Error(t, err, "missing base URL")

	_, err = NewClient(Config{BaseURL: "https://api.openai.com"}, tl.Logger)
	assert.Error(t, err, "missing API key")
}
