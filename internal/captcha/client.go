// Package captcha is the HTTP client for the challenge-solving collaborator.
// The service is treated as opaque, possibly slow, possibly failing.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
)

// Task states reported by the collaborator.
const (
	statePending = "pending"
	stateReady   = "ready"
	stateFailed  = "failed"
)

// ErrSolveFailed is returned when the collaborator gives up on a challenge.
var ErrSolveFailed = errors.New("captcha solve failed")

// Config points at the collaborator endpoint and shapes the poll loop.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInitial  time.Duration
	PollMax      time.Duration
	SolveTimeout time.Duration
}

// Client implements fetch.CaptchaSolver over the collaborator's submit/poll
// HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = 2 * time.Second
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = 15 * time.Second
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type submitRequest struct {
	APIKey  string `json:"api_key"`
	Site    string `json:"site"`
	URL     string `json:"url"`
	SiteKey string `json:"site_key,omitempty"`
	Image   string `json:"image,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type pollResponse struct {
	State string `json:"state"`
	Token string `json:"token"`
	Error string `json:"error"`
}

// Submit registers a challenge and returns the collaborator's task id.
func (c *Client) Submit(ctx context.Context, challenge fetch.Challenge) (string, error) {
	payload := submitRequest{
		APIKey:  c.cfg.APIKey,
		Site:    challenge.Site,
		URL:     challenge.URL,
		SiteKey: challenge.SiteKey,
	}
	if len(challenge.Image) > 0 {
		payload.Image = base64.StdEncoding.EncodeToString(challenge.Image)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal submit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit challenge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit challenge: unexpected status %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit challenge: empty task id")
	}
	return out.TaskID, nil
}

// Poll asks for the state of a submitted task once.
func (c *Client) Poll(ctx context.Context, taskID string) (token string, state string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return "", "", fmt.Errorf("build poll request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("poll task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("poll task: unexpected status %d", resp.StatusCode)
	}
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode poll response: %w", err)
	}
	return out.Token, out.State, nil
}

// Solve submits the challenge and polls with growing intervals until the
// collaborator answers, fails, or the solve timeout expires.
func (c *Client) Solve(ctx context.Context, challenge fetch.Challenge) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SolveTimeout)
	defer cancel()

	taskID, err := c.Submit(ctx, challenge)
	if err != nil {
		metrics.ObserveCaptchaSolve("failed")
		return "", err
	}
	c.logger.Debug("captcha challenge submitted",
		zap.String("site", challenge.Site),
		zap.String("task_id", taskID))

	interval := c.cfg.PollInitial
	for {
		select {
		case <-ctx.Done():
			metrics.ObserveCaptchaSolve("failed")
			return "", fmt.Errorf("captcha solve: %w", ctx.Err())
		case <-time.After(interval):
		}

		token, state, err := c.Poll(ctx, taskID)
		if err != nil {
			metrics.ObserveCaptchaSolve("failed")
			return "", err
		}
		switch state {
		case stateReady:
			metrics.ObserveCaptchaSolve("solved")
			return token, nil
		case stateFailed:
			metrics.ObserveCaptchaSolve("failed")
			return "", ErrSolveFailed
		case statePending:
			interval *= 2
			if interval > c.cfg.PollMax {
				interval = c.cfg.PollMax
			}
		default:
			metrics.ObserveCaptchaSolve("failed")
			return "", fmt.Errorf("captcha solve: unknown state %q", state)
		}
	}
}
