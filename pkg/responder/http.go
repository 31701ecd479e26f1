package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
	"github.com/chiku-ai/chiku-voice/pkg/resilience"
)

type HTTPConfig struct {
	BaseURL string
	UserID  string
	Timeout time.Duration
	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
}

// HTTPClient talks to the assistant backend's REST chat endpoint:
// POST {base}/api/chat {"user_id","text"} -> {"reply"}.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

type chatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func NewHTTP(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "responder_http"),
	}
}

func (c *HTTPClient) Name() string { return "responder_http" }

func (c *HTTPClient) Ask(ctx context.Context, text string) (string, error) {
	if c.cfg.Breaker != nil && !c.cfg.Breaker.Allow() {
		return "", errorsx.New(errorsx.ReasonQueryFailed, "responder circuit open")
	}

	var reply string
	err := c.cfg.Retry.DoContext(ctx, func() error {
		var attemptErr error
		reply, attemptErr = c.ask(ctx, text)
		return attemptErr
	})
	if c.cfg.Breaker != nil {
		if err != nil {
			c.cfg.Breaker.OnError(err)
		} else {
			c.cfg.Breaker.OnSuccess()
		}
	}
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonQueryFailed)
	}
	return reply, nil
}

func (c *HTTPClient) ask(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatRequest{UserID: c.cfg.UserID, Text: text})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonResponderSend)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.RateLimitError{Provider: "responder", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("responder returned non-success status",
			slog.String("status", resp.Status))
		return "", fmt.Errorf("responder status %s", resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("malformed responder payload: %w", err)
	}
	if strings.TrimSpace(parsed.Reply) == "" {
		return "", fmt.Errorf("responder returned an empty reply")
	}
	return parsed.Reply, nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ responder.Client = (*HTTPClient)(nil)
