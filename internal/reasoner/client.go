// Package reasoner is the boundary client for the optional LLM
// intent-disambiguation hook. It maps a free-form hint onto one of the
// engine's structured actions.
//
// The reasoner is advisory: it is rate limited, bounded by a hard
// timeout, and every failure is non-fatal to the workflow that asked.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/plumeworks/plumed/internal/config"
	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/orchestrator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 5 * time.Second
	maxHintBytes   = 4096
)

const systemPrompt = `You classify a user's request into exactly one action:
GET_AUTH_URL (connect a social account), HANDLE_CALLBACK (finish an OAuth
callback), or POST_CONTENT (publish content). Reply with the action name
only.`

// Config holds reasoner client settings.
type Config struct {
	BaseURL           string
	APIKey            config.Secret
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client calls an OpenAI-style chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewClient creates a reasoner client.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reasoner: base URL is required")
	}
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("reasoner: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Disambiguate asks the model to classify the hint into one action.
func (c *Client) Disambiguate(ctx context.Context, hint string) (orchestrator.Action, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", errors.New("reasoner: hint is empty")
	}
	if len(hint) > maxHintBytes {
		hint = hint[:maxHintBytes]
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("reasoner: rate limiter: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: hint},
		},
		MaxTokens:   8,
		Temperature: 0, // classification wants determinism
	})
	if err != nil {
		return "", fmt.Errorf("reasoner: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("reasoner: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.Value())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoner: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reasoner: reading response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("reasoner: decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("reasoner: completion failed: %s", msg)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("reasoner: empty completion")
	}

	raw := parsed.Choices[0].Message.Content
	action, err := orchestrator.ParseAction(raw)
	if err != nil {
		return "", fmt.Errorf("reasoner: unusable completion %q: %w", raw, err)
	}

	c.logger.Debug(ctx, "hint classified",
		zap.String("action", string(action)),
		zap.Duration("latency", time.Since(start)),
	)
	return action, nil
}
