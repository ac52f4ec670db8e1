package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plumeworks/plumed/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postSchema = `{
	"type": "object",
	"required": ["content", "access_token"],
	"properties": {
		"content": {"type": "string"},
		"access_token": {"type": "string"},
		"platform": {"type": "string"}
	},
	"additionalProperties": false
}`

// fakeRegistry is a scriptable in-process tool registry.
type fakeRegistry struct {
	t *testing.T

	mu            sync.Mutex
	discoverCalls int
	invokeCalls   map[string]int
	invokeHandler func(w http.ResponseWriter, r *http.Request, call int)
	discoverDelay time.Duration
	extraTools    []string

	srv *httptest.Server
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{t: t, invokeCalls: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.discoverCalls++
		delay := f.discoverDelay
		extra := ""
		for _, name := range f.extraTools {
			extra += fmt.Sprintf(`,{"name":%q,"description":"","input_schema":{"type":"object"}}`, name)
		}
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tools":[
			{"name":"post","description":"publish content","input_schema":%s},
			{"name":"get-auth-url","description":"start oauth","input_schema":{"type":"object"}}
		%s]}`, postSchema, extra)
	})
	mux.HandleFunc("POST /tools/{name}/invoke", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.mu.Lock()
		f.invokeCalls[name]++
		call := f.invokeCalls[name]
		handler := f.invokeHandler
		f.mu.Unlock()

		if handler != nil {
			handler(w, r, call)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"payload":{"id":"123"}}`)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) discoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverCalls
}

func (f *fakeRegistry) invokeCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokeCalls[tool]
}

func (f *fakeRegistry) onInvoke(h func(w http.ResponseWriter, r *http.Request, call int)) {
	f.mu.Lock()
	f.invokeHandler = h
	f.mu.Unlock()
}

// addTool registers an extra tool served by subsequent discoveries.
func (f *fakeRegistry) addTool(name string) {
	f.mu.Lock()
	f.extraTools = append(f.extraTools, name)
	f.mu.Unlock()
}

func newTestClient(t *testing.T, f *fakeRegistry, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:        f.srv.URL,
		DiscoveryTTL:   5 * time.Minute,
		InvokeTimeout:  2 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tl := logging.NewTestLogger()
	c, err := NewClient(cfg, tl.Logger)
	require.NoError(t, err)
	return c
}

func TestDiscover_Idempotent(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	first, err := c.Discover(ctx)
	require.NoError(t, err)
	second, err := c.Discover(ctx)
	require.NoError(t, err)

	names := func(ds []ToolDescriptor) map[string]string {
		m := make(map[string]string)
		for _, d := range ds {
			m[d.Name] = d.Description
		}
		return m
	}
	assert.Equal(t, names(first), names(second))

	// Within the TTL the second call is served from cache.
	assert.Equal(t, 1, f.discoverCount())
}

func TestDiscover_Coalesces(t *testing.T) {
	f := newFakeRegistry(t)
	f.mu.Lock()
	f.discoverDelay = 50 * time.Millisecond
	f.mu.Unlock()

	c := newTestClient(t, f)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Discover(ctx); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, f.discoverCount(), "concurrent cold discovers must share one fetch")
}

func TestRefresh_ForcesRefetch(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.Discover(ctx)
	require.NoError(t, err)
	c.Refresh()
	_, err = c.Discover(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, f.discoverCount())
}

func TestInvoke_Success(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)

	res, err := c.Invoke(context.Background(), "post", map[string]any{
		"content":      "hello fediverse",
		"access_token": "tok",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.JSONEq(t, `{"id":"123"}`, string(res.Payload))
}

func TestInvoke_SchemaViolationNeverHitsNetwork(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	// Warm the catalog so the rejection below cannot be a discovery call.
	_, err := c.Discover(ctx)
	require.NoError(t, err)

	tests := []map[string]any{
		{"content": "missing token"},                                         // required field absent
		{"content": 42, "access_token": "tok"},                               // wrong type
		{"content": "x", "access_token": "tok", "unexpected": "field"},       // additionalProperties
		nil,                                                                  // empty params
	}
	for _, params := range tests {
		_, err := c.Invoke(ctx, "post", params)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "params %v", params)
		assert.Equal(t, "post", verr.Tool)
	}

	assert.Equal(t, 0, f.invokeCount("post"), "rejected params must not reach the registry")
}

func TestInvoke_CorrelationHeaderPropagated(t *testing.T) {
	f := newFakeRegistry(t)
	var gotHeader atomic.Value
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		gotHeader.Store(r.Header.Get("X-Correlation-Id"))
		fmt.Fprint(w, `{"success":true,"payload":null}`)
	})

	c := newTestClient(t, f)
	ctx := logging.WithCorrelationID(context.Background(), "corr-777")

	_, err := c.Invoke(ctx, "post", map[string]any{"content": "x", "access_token": "t"})
	require.NoError(t, err)
	assert.Equal(t, "corr-777", gotHeader.Load())
}

func TestInvoke_TimeoutsThenSuccess(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		if call <= 2 {
			time.Sleep(300 * time.Millisecond) // beyond the per-attempt timeout
			return
		}
		fmt.Fprint(w, `{"success":true,"payload":{"ok":true}}`)
	})

	c := newTestClient(t, f, func(cfg *Config) {
		cfg.InvokeTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	res, err := c.Invoke(context.Background(), "post", map[string]any{"content": "x", "access_token": "t"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.invokeCount("post"))
	// Cumulative latency spans the two timed-out attempts.
	assert.GreaterOrEqual(t, res.LatencyMS, int64(100))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestInvoke_RetryableServerErrorsThenSuccess(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		if call <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable) // empty body: did not execute
			return
		}
		fmt.Fprint(w, `{"success":true,"payload":{"posted":true}}`)
	})

	c := newTestClient(t, f)

	res, err := c.Invoke(context.Background(), "post", map[string]any{"content": "x", "access_token": "t"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, f.invokeCount("post"))
}

func TestInvoke_NonRetryableServerError(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"downstream rejected post","retryable":false}}`)
	})

	c := newTestClient(t, f)

	_, err := c.Invoke(context.Background(), "post", map[string]any{"content": "x", "access_token": "t"})
	var ierr *InvocationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 1, ierr.Attempts, "a definitive 5xx must not be retried")
	assert.Equal(t, http.StatusInternalServerError, ierr.Status)
	assert.Contains(t, ierr.Error(), "downstream rejected post")
	assert.Equal(t, 1, f.invokeCount("post"))
}

func TestInvoke_ClientErrorNeverRetried(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"content too long","retryable":true}}`)
	})

	c := newTestClient(t, f)

	_, err := c.Invoke(context.Background(), "post", map[string]any{"content": "x", "access_token": "t"})
	var ierr *InvocationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 1, ierr.Attempts)
	assert.Equal(t, 1, f.invokeCount("post"))
}

func TestInvoke_ExhaustsRetries(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := newTestClient(t, f, func(cfg *Config) { cfg.MaxRetries = 2 })

	_, err := c.Invoke(context.Background(), "post", map[string]any{"content": "x", "access_token": "t"})
	var ierr *InvocationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 3, ierr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, ierr.Status)
}

func TestInvoke_ParentContextDeadline(t *testing.T) {
	f := newFakeRegistry(t)
	f.onInvoke(func(w http.ResponseWriter, r *http.Request, call int) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"success":true,"payload":null}`)
	})

	c := newTestClient(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Warm catalog with a fresh context so only the invoke is bounded.
	_, err := c.Discover(context.Background())
	require.NoError(t, err)

	_, err = c.Invoke(ctx, "post", map[string]any{"content": "x", "access_token": "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "deadline must surface for timeout classification, got %v", err)
}

func TestInvoke_UnknownTool(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)

	_, err := c.Invoke(context.Background(), "no-such-tool", nil)
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestInvoke_UnknownToolTriggersOneRediscovery(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.Discover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.discoverCount())

	// Cache is fresh but the tool is unknown: exactly one re-discovery.
	_, err = c.Invoke(ctx, "no-such-tool", nil)
	require.Error(t, err)
	assert.Equal(t, 2, f.discoverCount())
}

func TestInvoke_LateRegisteredToolFoundBeforeTTLExpiry(t *testing.T) {
	f := newFakeRegistry(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.Discover(ctx)
	require.NoError(t, err)

	// A tool registered after the last discovery must be reachable via the
	// miss-triggered refetch, not only after the catalog TTL runs out.
	f.addTool("delete-post")
	res, err := c.Invoke(ctx, "delete-post", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.discoverCount())
}

func TestDiscover_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"tools":[]}`)
	}))
	t.Cleanup(srv.Close)

	tl := logging.NewTestLogger()
	c, err := NewClient(Config{
		BaseURL:        srv.URL,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, tl.Logger)
	require.NoError(t, err)

	tools, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDescriptor_NoSchemaAcceptsAnything(t *testing.T) {
	d := &ToolDescriptor{Name: "free-form"}
	require.NoError(t, d.compileSchema())
	assert.NoError(t, d.ValidateParams(map[string]any{"anything": "goes"}))
}

func TestDescriptor_BadSchemaFailsDiscovery(t *testing.T) {
	d := &ToolDescriptor{Name: "broken", InputSchema: json.RawMessage(`{"type":`)}
	assert.Error(t, d.compileSchema())
}
