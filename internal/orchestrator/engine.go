package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/plumeworks/plumed/internal/credentials"
	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/oauthstate"
	"github.com/plumeworks/plumed/internal/toolreg"
	"go.uber.org/zap"
)

// Tool names on the remote registry.
const (
	toolGetAuthURL   = "get-auth-url"
	toolExchangeCode = "exchange-code"
	toolPost         = "post"
)

// ToolInvoker invokes tools on the remote registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (*toolreg.Result, error)
}

// StateStore issues and consumes single-use CSRF state tokens.
type StateStore interface {
	Create(ctx context.Context, userID, platform string) (string, error)
	Consume(ctx context.Context, token string) (oauthstate.Identity, error)
}

// CredentialStore persists platform credentials between actions.
type CredentialStore interface {
	Put(ctx context.Context, userID, platform string, cred credentials.Credential) error
	Get(ctx context.Context, userID, platform string) (credentials.Credential, error)
}

// Reasoner disambiguates a free-form hint into an Action. Advisory only:
// the engine survives any reasoner failure.
type Reasoner interface {
	Disambiguate(ctx context.Context, hint string) (Action, error)
}

// EngineConfig holds orchestrator settings.
type EngineConfig struct {
	// CallbackURL is the public URL platforms redirect back to.
	CallbackURL string

	// ReasonerTimeout bounds the advisory reasoner call.
	ReasonerTimeout time.Duration
}

// Engine runs the workflow state machine.
type Engine struct {
	cfg      EngineConfig
	tools    ToolInvoker
	states   StateStore
	creds    CredentialStore
	reasoner Reasoner
	logger   *logging.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithReasoner attaches the optional intent-disambiguation hook.
func WithReasoner(r Reasoner) EngineOption {
	return func(e *Engine) { e.reasoner = r }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig, tools ToolInvoker, states StateStore, creds CredentialStore, logger *logging.Logger, opts ...EngineOption) (*Engine, error) {
	if cfg.CallbackURL == "" {
		return nil, errors.New("orchestrator: callback URL is required")
	}
	if _, err := url.Parse(cfg.CallbackURL); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid callback URL: %w", err)
	}
	if tools == nil || states == nil || creds == nil {
		return nil, errors.New("orchestrator: tool invoker, state store, and credential store are required")
	}
	if cfg.ReasonerTimeout == 0 {
		cfg.ReasonerTimeout = 5 * time.Second
	}

	e := &Engine{
		cfg:    cfg,
		tools:  tools,
		states: states,
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// workflowState is the invocation-local scratchpad. Nothing in here is
// shared between requests.
type workflowState struct {
	req     ActionRequest
	action  Action
	payload map[string]any

	failKind       ErrorKind
	failMsg        string
	outcomeUnknown bool
}

// fail records a failure and routes the machine to ERROR. msg must be
// client-safe; the precise cause is logged by the failing site.
func (ws *workflowState) fail(kind ErrorKind, msg string) Stage {
	ws.failKind = kind
	ws.failMsg = msg
	return StageError
}

// Handle runs one request through the state machine. It never returns a
// Go error: all failures are typed Results.
func (e *Engine) Handle(ctx context.Context, req ActionRequest) *Result {
	start := e.now()
	ctx, cid := logging.EnsureCorrelationID(ctx)

	ws := &workflowState{req: req}
	stage := StageAnalyze

	for {
		// Cancellation between stages routes to ERROR like any other event.
		if err := ctx.Err(); err != nil && stage != StageError && stage != StageFinalize {
			e.logger.Warn(ctx, "workflow interrupted",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			stage = ws.fail(ErrorKindTimeout, "request timed out")
		}

		e.logger.Debug(ctx, "stage entered", zap.String("stage", string(stage)))

		switch stage {
		case StageAnalyze:
			stage = e.analyze(ctx, ws)
		case StageRoute:
			stage = e.route(ctx, ws)
		case StageExecute:
			stage = e.execute(ctx, ws)
		case StageFinalize:
			elapsed := e.now().Sub(start).Milliseconds()
			e.logger.Info(ctx, "workflow finished",
				zap.String("action", string(ws.action)),
				zap.Int64("elapsed_ms", elapsed),
			)
			return &Result{
				OK:            true,
				Action:        ws.action,
				Payload:       ws.payload,
				Stage:         StageFinalize,
				CorrelationID: cid,
				ElapsedMS:     elapsed,
			}
		case StageError:
			elapsed := e.now().Sub(start).Milliseconds()
			e.logger.Warn(ctx, "workflow failed",
				zap.String("action", string(ws.action)),
				zap.String("error_kind", string(ws.failKind)),
				zap.Bool("outcome_unknown", ws.outcomeUnknown),
				zap.Int64("elapsed_ms", elapsed),
			)
			return &Result{
				OK:             false,
				Action:         ws.action,
				ErrorKind:      ws.failKind,
				Error:          ws.failMsg,
				OutcomeUnknown: ws.outcomeUnknown,
				Stage:          StageError,
				CorrelationID:  cid,
				ElapsedMS:      elapsed,
			}
		default:
			// Unreachable by construction; fail closed if it ever isn't.
			stage = ws.fail(ErrorKindValidation, "internal workflow error")
		}
	}
}

// analyze resolves the action and validates the request's fields.
func (e *Engine) analyze(ctx context.Context, ws *workflowState) Stage {
	action := ws.req.Action

	// The reasoner only runs when no structured action was given.
	if action == "" && ws.req.Hint != "" && e.reasoner != nil {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReasonerTimeout)
		guess, err := e.reasoner.Disambiguate(rctx, ws.req.Hint)
		cancel()
		if err != nil {
			e.logger.Warn(ctx, "reasoner unavailable, proceeding without hint",
				zap.Error(err),
			)
		} else {
			e.logger.Debug(ctx, "hint disambiguated",
				zap.String("action", string(guess)),
			)
			action = guess
		}
	}

	if action == "" {
		return ws.fail(ErrorKindValidation, "action is required")
	}

	parsed, err := ParseAction(string(action))
	if err != nil {
		e.logger.Warn(ctx, "unknown action rejected", zap.Error(err))
		return ws.fail(ErrorKindValidation, "unknown action")
	}
	ws.action = parsed

	switch parsed {
	case ActionGetAuthURL:
		if ws.req.UserID == "" || ws.req.Platform == "" {
			return ws.fail(ErrorKindValidation, "user_id and platform are required")
		}
	case ActionHandleCallback:
		if ws.req.Code == "" || ws.req.State == "" {
			return ws.fail(ErrorKindValidation, "code and state are required")
		}
	case ActionPostContent:
		if ws.req.UserID == "" || ws.req.Platform == "" {
			return ws.fail(ErrorKindValidation, "user_id and platform are required")
		}
		if ws.req.Content == "" {
			return ws.fail(ErrorKindValidation, "content is required")
		}
	}

	return StageRoute
}

// route maps the resolved action onto an executor. The switch is
// exhaustive over the Action set; anything else fails closed.
func (e *Engine) route(ctx context.Context, ws *workflowState) Stage {
	switch ws.action {
	case ActionGetAuthURL, ActionHandleCallback, ActionPostContent:
		return StageExecute
	default:
		e.logger.Error(ctx, "route reached with unroutable action",
			zap.String("action", string(ws.action)),
		)
		return ws.fail(ErrorKindValidation, "unknown action")
	}
}

func (e *Engine) execute(ctx context.Context, ws *workflowState) Stage {
	switch ws.action {
	case ActionGetAuthURL:
		return e.executeGetAuthURL(ctx, ws)
	case ActionHandleCallback:
		return e.executeHandleCallback(ctx, ws)
	case ActionPostContent:
		return e.executePostContent(ctx, ws)
	default:
		return ws.fail(ErrorKindValidation, "unknown action")
	}
}

func (e *Engine) executeGetAuthURL(ctx context.Context, ws *workflowState) Stage {
	token, err := e.states.Create(ctx, ws.req.UserID, ws.req.Platform)
	if err != nil {
		e.logger.Error(ctx, "state token creation failed", zap.Error(err))
		return ws.fail(ErrorKindState, "could not start authorization")
	}

	// The user identifier stays inside the process: the remote tool sees
	// only the callback URL and the platform.
	res, err := e.tools.Invoke(ctx, toolGetAuthURL, map[string]any{
		"callback_url": e.cfg.CallbackURL,
		"platform":     ws.req.Platform,
	})
	if err != nil {
		return e.failInvoke(ctx, ws, err)
	}

	payload, err := decodePayload(res)
	if err != nil {
		e.logger.Error(ctx, "auth url payload malformed", zap.Error(err))
		return ws.fail(ErrorKindInvocation, "authorization could not be started")
	}
	authURL, _ := payload["auth_url"].(string)
	if authURL == "" {
		e.logger.Error(ctx, "auth url missing from tool payload")
		return ws.fail(ErrorKindInvocation, "authorization could not be started")
	}

	withState, err := appendStateParam(authURL, token)
	if err != nil {
		e.logger.Error(ctx, "auth url unparsable", zap.Error(err))
		return ws.fail(ErrorKindInvocation, "authorization could not be started")
	}

	ws.payload = map[string]any{
		"auth_url": withState,
		"state":    token,
	}
	return StageFinalize
}

func (e *Engine) executeHandleCallback(ctx context.Context, ws *workflowState) Stage {
	identity, err := e.states.Consume(ctx, ws.req.State)
	if err != nil {
		// Both failure modes collapse to one client-facing message; the
		// distinction stays in internal logs.
		e.logger.Warn(ctx, "callback state rejected", zap.Error(err))
		return ws.fail(ErrorKindState, "authorization request is invalid or has expired")
	}

	res, err := e.tools.Invoke(ctx, toolExchangeCode, map[string]any{
		"code":         ws.req.Code,
		"callback_url": e.cfg.CallbackURL,
	})
	if err != nil {
		return e.failInvoke(ctx, ws, err)
	}

	payload, err := decodePayload(res)
	if err != nil {
		e.logger.Error(ctx, "token exchange payload malformed", zap.Error(err))
		return ws.fail(ErrorKindInvocation, "authorization could not be completed")
	}

	accessToken, _ := payload["access_token"].(string)
	if accessToken == "" {
		e.logger.Error(ctx, "token exchange returned no access token")
		return ws.fail(ErrorKindInvocation, "authorization could not be completed")
	}
	refreshToken, _ := payload["refresh_token"].(string)
	scope, _ := payload["scope"].(string)

	cred := credentials.Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scope:        scope,
	}
	if secs, ok := payload["expires_in"].(float64); ok && secs > 0 {
		cred.ExpiresAt = e.now().Add(time.Duration(secs) * time.Second)
	}

	if err := e.creds.Put(ctx, identity.UserID, identity.Platform, cred); err != nil {
		e.logger.Error(ctx, "credential persistence failed", zap.Error(err))
		return ws.fail(ErrorKindState, "authorization could not be completed")
	}

	e.logger.Info(ctx, "platform connected",
		zap.String("platform", identity.Platform),
	)
	ws.payload = map[string]any{
		"connected": true,
		"platform":  identity.Platform,
		"user_id":   identity.UserID,
	}
	return StageFinalize
}

func (e *Engine) executePostContent(ctx context.Context, ws *workflowState) Stage {
	cred, err := e.creds.Get(ctx, ws.req.UserID, ws.req.Platform)
	if errors.Is(err, credentials.ErrNotFound) {
		e.logger.Warn(ctx, "post attempted on unconnected platform",
			zap.String("platform", ws.req.Platform),
		)
		return ws.fail(ErrorKindState, "platform is not connected")
	}
	if err != nil {
		e.logger.Error(ctx, "credential lookup failed", zap.Error(err))
		return ws.fail(ErrorKindState, "platform is not connected")
	}

	params := map[string]any{
		"content":      ws.req.Content,
		"access_token": cred.AccessToken,
		"platform":     ws.req.Platform,
	}
	if len(ws.req.Media) > 0 {
		params["media"] = ws.req.Media
	}

	res, err := e.tools.Invoke(ctx, toolPost, params)
	if err != nil {
		return e.failInvoke(ctx, ws, err)
	}

	payload, err := decodePayload(res)
	if err != nil {
		e.logger.Error(ctx, "post payload malformed", zap.Error(err))
		return ws.fail(ErrorKindInvocation, "post could not be confirmed")
	}

	ws.payload = payload
	return StageFinalize
}

// failInvoke classifies a tool invocation failure into the error
// taxonomy. A POST_CONTENT timeout is outcome-unknown: the request may
// have been dispatched before the deadline fired.
func (e *Engine) failInvoke(ctx context.Context, ws *workflowState, err error) Stage {
	e.logger.Error(ctx, "tool invocation failed",
		zap.String("action", string(ws.action)),
		zap.Error(err),
	)

	kind := classifyToolError(err)
	if kind == ErrorKindTimeout && ws.action == ActionPostContent {
		ws.outcomeUnknown = true
		return ws.fail(ErrorKindTimeout, "post timed out; delivery is unconfirmed")
	}

	switch kind {
	case ErrorKindValidation:
		return ws.fail(ErrorKindValidation, "request was rejected")
	case ErrorKindDiscovery:
		return ws.fail(ErrorKindDiscovery, "a required tool is unavailable")
	case ErrorKindTimeout:
		return ws.fail(ErrorKindTimeout, "request timed out")
	default:
		return ws.fail(ErrorKindInvocation, "operation failed")
	}
}

func classifyToolError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindTimeout
	}
	var verr *toolreg.ValidationError
	if errors.As(err, &verr) {
		return ErrorKindValidation
	}
	var derr *toolreg.DiscoveryError
	if errors.As(err, &derr) {
		return ErrorKindDiscovery
	}
	return ErrorKindInvocation
}

func decodePayload(res *toolreg.Result) (map[string]any, error) {
	if len(res.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(res.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// appendStateParam adds the CSRF state token to a provider auth URL.
func appendStateParam(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
