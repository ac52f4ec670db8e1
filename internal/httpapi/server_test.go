package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns a scripted Result and captures the request.
type fakeEngine struct {
	result *orchestrator.Result
	gotReq orchestrator.ActionRequest
	gotCID string
}

func (f *fakeEngine) Handle(ctx context.Context, req orchestrator.ActionRequest) *orchestrator.Result {
	f.gotReq = req
	f.gotCID = logging.CorrelationIDFromContext(ctx)
	res := f.result
	if res == nil {
		res = &orchestrator.Result{OK: true, Stage: orchestrator.StageFinalize, CorrelationID: f.gotCID}
	}
	return res
}

func newTestServer(t *testing.T, engine Engine) *Server {
	t.Helper()
	tl := logging.NewTestLogger()
	s, err := NewServer(Config{}, engine, tl.Logger, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func TestHandleAction_Success(t *testing.T) {
	eng := &fakeEngine{result: &orchestrator.Result{
		OK:      true,
		Action:  orchestrator.ActionPostContent,
		Payload: map[string]any{"post_id": "p-1"},
		Stage:   orchestrator.StageFinalize,
	}}
	s := newTestServer(t, eng)

	body := `{"action":"POST_CONTENT","user_id":"u1","platform":"mastodon","content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ActionPostContent, eng.gotReq.Action)
	assert.Equal(t, "u1", eng.gotReq.UserID)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.OK)
	assert.Equal(t, "p-1", res.Payload["post_id"])
}

func TestHandleAction_InvalidBody(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAction_ErrorKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind orchestrator.ErrorKind
		want int
	}{
		{orchestrator.ErrorKindValidation, http.StatusBadRequest},
		{orchestrator.ErrorKindState, http.StatusConflict},
		{orchestrator.ErrorKindTimeout, http.StatusGatewayTimeout},
		{orchestrator.ErrorKindDiscovery, http.StatusBadGateway},
		{orchestrator.ErrorKindInvocation, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			eng := &fakeEngine{result: &orchestrator.Result{
				OK:        false,
				ErrorKind: tt.kind,
				Error:     "generic message",
				Stage:     orchestrator.StageError,
			}}
			s := newTestServer(t, eng)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(`{"action":"POST_CONTENT"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleCallback_BuildsActionRequest(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state=state-token", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ActionHandleCallback, eng.gotReq.Action)
	assert.Equal(t, "auth-code", eng.gotReq.Code)
	assert.Equal(t, "state-token", eng.gotReq.State)
}

func TestCorrelation_InboundHeaderAdopted(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil)
	req.Header.Set("X-Correlation-Id", "inbound-corr-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "inbound-corr-1", eng.gotCID)
	assert.Equal(t, "inbound-corr-1", rec.Header().Get("X-Correlation-Id"))
}

func TestCorrelation_InvalidInboundReplaced(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil)
	req.Header.Set("X-Correlation-Id", "bad header\nwith newline")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// A fresh id is minted instead of adopting the injection attempt.
	got := rec.Header().Get("X-Correlation-Id")
	assert.NotEmpty(t, got)
	assert.NotContains(t, got, "\n")
	assert.Equal(t, got, eng.gotCID)
}

func TestCorrelation_MintedWhenAbsent(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "plumed_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	tl := logging.NewTestLogger()
	s, err := NewServer(Config{}, &fakeEngine{}, tl.Logger, reg)
	require.NoError(t, err)

	// A request through the middleware feeds the HTTP instruments.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plumed_test_total 1")
	assert.Contains(t, rec.Body.String(), `plumed_http_requests_total{method="GET",path="/health",status="200"} 1`)
}
