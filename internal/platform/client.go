package platform

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
	"unicode/utf8"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultTimeout  = 20 * time.Second
	DefaultAttempts = 3
	DefaultDelay    = time.Second

	maxResponseBytes = 64 << 10
)

// ClientConfig bounds every outbound call a writer makes.
type ClientConfig struct {
	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
}

// Client is the shared HTTP transport for writers. It retries network errors,
// 5xx and 429 a fixed number of times with a fixed delay.
type Client struct {
	httpClient *http.Client
	attempts   int
	delay      time.Duration
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = DefaultDelay
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		attempts:   cfg.Attempts,
		delay:      cfg.Delay,
		logger:     logger,
	}
}

// request describes one outbound call. Headers are applied to every attempt.
type request struct {
	platform domain.Platform
	method   string
	url      string
	body     any
	headers  map[string]string
}

type result struct {
	statusCode int
	body       []byte
}

// do performs req, retrying transient failures. A non-429 4xx is returned
// immediately as a *domain.PlatformRejection; exhausted retries surface as a
// *domain.TransientError.
func (c *Client) do(ctx context.Context, req request) (result, error) {
	payload, err := json.Marshal(req.body)
	if err != nil {
		return result{}, fmt.Errorf("encoding %s request: %w", req.platform, err)
	}

	var lastErr error
	lastStatus := 0
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.delay); err != nil {
				return result{}, &domain.TransientError{Platform: req.platform, StatusCode: lastStatus, Err: err}
			}
		}

		res, err := c.once(ctx, req, payload)
		if err == nil {
			return res, nil
		}

		var rej *domain.PlatformRejection
		if errors.As(err, &rej) {
			return res, err
		}

		lastErr = err
		lastStatus = res.statusCode
		logging.Warn(ctx, c.logger, "platform call failed",
			zap.String("platform", req.platform.String()),
			zap.Int("attempt", attempt),
			zap.Int("status_code", res.statusCode),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}

	return result{statusCode: lastStatus}, &domain.TransientError{Platform: req.platform, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) once(ctx context.Context, req request, payload []byte) (result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bytes.NewReader(payload))
	if err != nil {
		return result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	res := result{statusCode: resp.StatusCode, body: body}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return res, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 256))
	case resp.StatusCode >= 400:
		return res, &domain.PlatformRejection{
			Platform:   req.platform,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
			Body:       truncate(string(body), 1024),
		}
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errorMessage extracts a human readable message from the common error envelopes
// the platforms return.
func errorMessage(body []byte) string {
	var env struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	switch {
	case env.Error.Message != "":
		return env.Error.Message
	case env.Message != "":
		return env.Message
	default:
		return env.Reason
	}
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// replaced so the result can be stored in a TEXT column.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func rawBody(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
