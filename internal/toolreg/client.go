package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/plumeworks/plumed/internal/logging"
	"go.uber.org/zap"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	maxResponseBytes    = 4 * 1024 * 1024
)

// Config holds registry client settings.
type Config struct {
	// BaseURL is the registry root, e.g. http://localhost:8765.
	BaseURL string

	// DiscoveryTTL bounds how long a cached catalog stays fresh.
	DiscoveryTTL time.Duration

	// InvokeTimeout bounds each individual HTTP attempt.
	InvokeTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.DiscoveryTTL == 0 {
		c.DiscoveryTTL = 5 * time.Minute
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Result is the outcome of a successful tool invocation.
type Result struct {
	Success   bool
	Payload   json.RawMessage
	LatencyMS int64
	Attempts  int
}

// discoveryFlight coalesces concurrent catalog fetches: one request flies,
// everyone waiting gets its outcome.
type discoveryFlight struct {
	done chan struct{}
	cat  *catalog
	err  error
}

// Client talks to the remote tool registry.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *Metrics

	catalogMu sync.RWMutex
	current   *catalog

	flightMu sync.Mutex
	inflight *discoveryFlight

	now func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a registry client.
func NewClient(cfg Config, logger *logging.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("toolreg: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("toolreg: invalid base URL: %w", err)
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c, nil
}

// Discover returns the current tool catalog, fetching it from the
// registry when the cache is cold or stale. Concurrent cold calls share
// one in-flight fetch.
func (c *Client) Discover(ctx context.Context) ([]ToolDescriptor, error) {
	cat, err := c.freshCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return cat.list(), nil
}

// Refresh drops the cached catalog. The next Discover or Invoke fetches a
// fresh one; invocations already holding a descriptor are unaffected.
func (c *Client) Refresh() {
	c.catalogMu.Lock()
	c.current = nil
	c.catalogMu.Unlock()
}

// Invoke validates params against the tool's schema and posts the
// invocation to the registry. Parameters that fail validation never
// produce a network call.
func (c *Client) Invoke(ctx context.Context, name string, params map[string]any) (*Result, error) {
	desc, err := c.resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := desc.ValidateParams(params); err != nil {
		c.metrics.Invocations.WithLabelValues(name, "validation_rejected").Inc()
		return nil, &ValidationError{Tool: name, Err: err}
	}

	start := c.now()
	res, err := c.post(ctx, desc, params)
	elapsed := c.now().Sub(start)

	if c.metrics != nil {
		c.metrics.Latency.WithLabelValues(name).Observe(elapsed.Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.Invocations.WithLabelValues(name, outcome).Inc()
	}
	if err != nil {
		return nil, err
	}

	res.LatencyMS = elapsed.Milliseconds()
	c.logger.Info(ctx, "tool invoked",
		zap.String("tool", name),
		zap.Int("attempts", res.Attempts),
		zap.Int64("latency_ms", res.LatencyMS),
		zap.Int("payload_bytes", len(res.Payload)),
	)
	return res, nil
}

// resolve finds a descriptor in the cached catalog, discovering at most
// once when the cache is stale or the tool unknown. An unknown name in a
// fresh catalog still forces one refetch: the tool may have registered
// since the last discovery.
func (c *Client) resolve(ctx context.Context, name string) (*ToolDescriptor, error) {
	c.catalogMu.RLock()
	cat := c.current
	c.catalogMu.RUnlock()

	if !cat.expired(c.cfg.DiscoveryTTL, c.now()) {
		if d, ok := cat.tools[name]; ok {
			return d, nil
		}
	}

	cat, err := c.fetchCoalesced(ctx)
	if err != nil {
		return nil, err
	}
	if d, ok := cat.tools[name]; ok {
		return d, nil
	}
	return nil, &DiscoveryError{Err: fmt.Errorf("%w: %q", ErrToolNotFound, name)}
}

// freshCatalog returns a non-expired catalog, fetching only when the
// cache is cold or stale.
func (c *Client) freshCatalog(ctx context.Context) (*catalog, error) {
	c.catalogMu.RLock()
	cat := c.current
	c.catalogMu.RUnlock()
	if !cat.expired(c.cfg.DiscoveryTTL, c.now()) {
		return cat, nil
	}
	return c.fetchCoalesced(ctx)
}

// fetchCoalesced fetches the catalog unconditionally, joining an
// in-flight fetch when one exists, and installs the result as current.
func (c *Client) fetchCoalesced(ctx context.Context) (*catalog, error) {
	c.flightMu.Lock()
	if f := c.inflight; f != nil {
		c.flightMu.Unlock()
		select {
		case <-f.done:
			return f.cat, f.err
		case <-ctx.Done():
			return nil, &DiscoveryError{Err: ctx.Err()}
		}
	}
	f := &discoveryFlight{done: make(chan struct{})}
	c.inflight = f
	c.flightMu.Unlock()

	cat, err := c.fetchCatalog(ctx)
	f.cat, f.err = cat, err

	c.flightMu.Lock()
	c.inflight = nil
	c.flightMu.Unlock()
	close(f.done)

	if err != nil {
		return nil, err
	}

	c.catalogMu.Lock()
	c.current = cat
	c.catalogMu.Unlock()
	return cat, nil
}

type toolListResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// fetchCatalog GETs /tools and compiles every descriptor's schema.
// Discovery is an idempotent read, so 5xx responses are retried too.
func (c *Client) fetchCatalog(ctx context.Context) (*catalog, error) {
	endpoint := c.cfg.BaseURL + "/tools"

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, &DiscoveryError{Err: err}
			}
		}

		body, status, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("registry returned status %d", status)
			continue
		}
		if status != http.StatusOK {
			return nil, &DiscoveryError{Err: fmt.Errorf("registry returned status %d", status)}
		}

		var list toolListResponse
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, &DiscoveryError{Err: fmt.Errorf("decoding catalog: %w", err)}
		}

		now := c.now()
		tools := make(map[string]*ToolDescriptor, len(list.Tools))
		for i := range list.Tools {
			d := list.Tools[i]
			d.DiscoveredAt = now
			if err := d.compileSchema(); err != nil {
				return nil, &DiscoveryError{Err: err}
			}
			tools[d.Name] = &d
		}

		if c.metrics != nil {
			c.metrics.Discoveries.Inc()
		}
		c.logger.Debug(ctx, "tool catalog fetched", zap.Int("tools", len(tools)))
		return &catalog{tools: tools, fetchedAt: now}, nil
	}

	return nil, &DiscoveryError{Err: fmt.Errorf("exhausted %d attempt(s): %w", c.cfg.MaxRetries+1, lastErr)}
}

type invokeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type remoteError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type invokeEnvelope struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   *remoteError    `json:"error,omitempty"`
}

// post sends the invocation, retrying transport-level failures and 5xx
// responses the registry marks as safe to retry. A response with a 4xx
// status, or a 5xx carrying a non-retryable error body, means the call may
// have been observed and is never resent.
func (c *Client) post(ctx context.Context, desc *ToolDescriptor, params map[string]any) (*Result, error) {
	endpoint := fmt.Sprintf("%s/tools/%s/invoke", c.cfg.BaseURL, url.PathEscape(desc.Name))

	reqBody, err := json.Marshal(invokeRequest{Parameters: params})
	if err != nil {
		return nil, &InvocationError{Tool: desc.Name, Err: fmt.Errorf("encoding parameters: %w", err)}
	}

	var lastErr error
	var lastStatus int
	attempts := 0

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.Retries.WithLabelValues(desc.Name).Inc()
			}
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, &InvocationError{Tool: desc.Name, Status: lastStatus, Attempts: attempts, Err: err}
			}
		}

		attempts++
		body, status, err := c.doRequest(ctx, http.MethodPost, endpoint, reqBody)
		if err != nil {
			// No response arrived, so the registry cannot have executed
			// anything we would double-apply.
			if ctx.Err() != nil {
				return nil, &InvocationError{Tool: desc.Name, Attempts: attempts, Err: ctx.Err()}
			}
			lastErr = err
			lastStatus = 0
			c.logger.Warn(ctx, "tool invocation attempt failed pre-response",
				zap.String("tool", desc.Name),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			continue
		}

		lastStatus = status
		switch {
		case status == http.StatusOK:
			var env invokeEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, &InvocationError{Tool: desc.Name, Status: status, Attempts: attempts, Err: fmt.Errorf("decoding response: %w", err)}
			}
			if !env.Success {
				msg := "tool reported failure"
				if env.Error != nil {
					msg = env.Error.Message
				}
				return nil, &InvocationError{Tool: desc.Name, Status: status, Attempts: attempts, Err: errors.New(msg)}
			}
			return &Result{Success: true, Payload: env.Payload, Attempts: attempts}, nil

		case status >= 500:
			if !retryableRemote(body) {
				return nil, &InvocationError{Tool: desc.Name, Status: status, Attempts: attempts, Err: remoteMessage(body, status)}
			}
			lastErr = remoteMessage(body, status)
			c.logger.Warn(ctx, "tool invocation attempt failed, registry says retry",
				zap.String("tool", desc.Name),
				zap.Int("attempt", attempts),
				zap.Int("status", status),
			)
			continue

		default:
			// 4xx: the request was received and judged; never resend.
			return nil, &InvocationError{Tool: desc.Name, Status: status, Attempts: attempts, Err: remoteMessage(body, status)}
		}
	}

	return nil, &InvocationError{Tool: desc.Name, Status: lastStatus, Attempts: attempts, Err: fmt.Errorf("exhausted %d attempt(s): %w", attempts, lastErr)}
}

// retryableRemote reports whether a 5xx response may be retried: an empty
// body (the registry never started executing) or an explicit
// {"error":{"retryable":true}} envelope.
func retryableRemote(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	var env invokeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}
	return env.Error != nil && env.Error.Retryable
}

// remoteMessage extracts the registry's error message, falling back to the
// HTTP status. Raw bodies are never surfaced to callers.
func remoteMessage(body []byte, status int) error {
	var env invokeEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return errors.New(env.Error.Message)
	}
	return fmt.Errorf("registry returned status %d", status)
}

// doRequest performs one HTTP attempt with the per-attempt timeout and the
// correlation header. Returns the response body and status, or an error
// when no response arrived.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

// backoff sleeps the exponential backoff for the given retry attempt,
// with jitter in the upper half to avoid thundering herds.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	d := c.cfg.InitialBackoff << (attempt - 1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	half := d / 2
	wait := half + time.Duration(rand.Int63n(int64(half)+1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
