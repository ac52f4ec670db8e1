// Package orchestrator drives action requests through a bounded workflow
// state machine: ANALYZE, ROUTE, EXECUTE, then FINALIZE or ERROR.
//
// The engine never returns a Go error to its caller. Every failure is a
// typed Result carrying an error kind and the request's correlation id;
// raw remote error bodies never pass through.
package orchestrator

import (
	"fmt"
	"strings"
)

// Action is the closed set of operations the engine performs.
type Action string

const (
	// ActionGetAuthURL starts the OAuth dance for a platform.
	ActionGetAuthURL Action = "GET_AUTH_URL"

	// ActionHandleCallback finishes the OAuth dance: consume the state
	// token, exchange the code, persist credentials.
	ActionHandleCallback Action = "HANDLE_CALLBACK"

	// ActionPostContent publishes content to a connected platform.
	ActionPostContent Action = "POST_CONTENT"
)

// ParseAction maps a wire string onto the closed Action set.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionGetAuthURL:
		return ActionGetAuthURL, nil
	case ActionHandleCallback:
		return ActionHandleCallback, nil
	case ActionPostContent:
		return ActionPostContent, nil
	default:
		return "", fmt.Errorf("orchestrator: unknown action %q", s)
	}
}

// ActionRequest is one unit of work submitted to the engine.
type ActionRequest struct {
	// Action is the structured operation. When empty, Hint may be
	// disambiguated by the reasoner; a set Action always wins over Hint.
	Action Action `json:"action"`

	// Hint is free-form text describing intent, advisory only.
	Hint string `json:"hint,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	Platform string `json:"platform,omitempty"`

	// Content and Media apply to POST_CONTENT.
	Content string   `json:"content,omitempty"`
	Media   []string `json:"media,omitempty"`

	// Code and State apply to HANDLE_CALLBACK.
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
}

// Stage identifies one step of the workflow state machine.
type Stage string

const (
	StageAnalyze  Stage = "ANALYZE"
	StageRoute    Stage = "ROUTE"
	StageExecute  Stage = "EXECUTE"
	StageFinalize Stage = "FINALIZE"
	StageError    Stage = "ERROR"
)

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindDiscovery  ErrorKind = "discovery"
	ErrorKindInvocation ErrorKind = "invocation"
	ErrorKindState      ErrorKind = "state"
	ErrorKindTimeout    ErrorKind = "timeout"
)

// Result is the engine's answer to one ActionRequest.
type Result struct {
	OK     bool   `json:"ok"`
	Action Action `json:"action,omitempty"`

	// Payload carries action-specific output on success.
	Payload map[string]any `json:"payload,omitempty"`

	// ErrorKind and Error are set when OK is false. Error is a generic,
	// client-safe message; precise reasons live in internal logs.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// OutcomeUnknown is set when a POST_CONTENT timed out after dispatch:
	// the post may or may not have been published. Callers should
	// reconcile before resubmitting.
	OutcomeUnknown bool `json:"outcome_unknown,omitempty"`

	// Stage is the stage the workflow finished in: FINALIZE or ERROR.
	Stage Stage `json:"stage"`

	CorrelationID string `json:"correlation_id"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}
