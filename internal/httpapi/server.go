// Package httpapi exposes the daemon's HTTP surface: action submission,
// the OAuth callback, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const headerCorrelationID = "X-Correlation-Id"

// Engine is the orchestrator surface the server dispatches to.
type Engine interface {
	Handle(ctx context.Context, req orchestrator.ActionRequest) *orchestrator.Result
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server hosts the plumed HTTP API.
type Server struct {
	echo     *echo.Echo
	engine   Engine
	logger   *logging.Logger
	config   Config
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(cfg Config, engine Engine, logger *logging.Logger, registry *prometheus.Registry) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("httpapi: engine is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("httpapi: logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8780
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		engine:   engine,
		logger:   logger,
		config:   cfg,
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plumed_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plumed_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	registry.MustRegister(s.requests, s.duration)

	e.Use(middleware.Recover())
	e.Use(s.correlationMiddleware)
	e.Use(s.loggingMiddleware)

	s.registerRoutes()
	return s, nil
}

// correlationMiddleware adopts a valid inbound X-Correlation-Id or mints
// one, attaches it to the request context, and echoes it on the response.
func (s *Server) correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		if inbound := c.Request().Header.Get(headerCorrelationID); inbound != "" && logging.ValidCorrelationID(inbound) {
			ctx = logging.WithCorrelationID(ctx, inbound)
		}
		ctx, cid := logging.EnsureCorrelationID(ctx)

		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(headerCorrelationID, cid)
		return next(c)
	}
}

// loggingMiddleware logs and meters every request. The route pattern, not
// the raw URL, is the metric label to keep cardinality bounded.
func (s *Server) loggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		elapsed := time.Since(start)

		method := c.Request().Method
		path := c.Path()
		s.requests.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
		s.duration.WithLabelValues(method, path).Observe(elapsed.Seconds())

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", elapsed),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	s.echo.GET("/callback", s.handleCallback)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/actions", s.handleAction)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleAction accepts an ActionRequest and runs it through the engine.
// The engine never errors; its Result maps onto the HTTP status.
func (s *Server) handleAction(c echo.Context) error {
	var req orchestrator.ActionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid action request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res := s.engine.Handle(c.Request().Context(), req)
	return c.JSON(statusFor(res), res)
}

// handleCallback turns the provider's OAuth redirect into a
// HANDLE_CALLBACK action.
func (s *Server) handleCallback(c echo.Context) error {
	req := orchestrator.ActionRequest{
		Action: orchestrator.ActionHandleCallback,
		Code:   c.QueryParam("code"),
		State:  c.QueryParam("state"),
	}

	res := s.engine.Handle(c.Request().Context(), req)
	return c.JSON(statusFor(res), res)
}

// statusFor maps a workflow result onto an HTTP status code.
func statusFor(res *orchestrator.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case orchestrator.ErrorKindValidation:
		return http.StatusBadRequest
	case orchestrator.ErrorKindState:
		return http.StatusConflict
	case orchestrator.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.ErrorKindDiscovery, orchestrator.ErrorKindInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the echo handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
