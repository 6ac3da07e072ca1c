// Package lichess is the transport to the game server: write endpoints over
// fasthttp and long-lived NDJSON streams over net/http.
package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://lichess.org"

var ErrStreamClosed = errors.New("stream closed")

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Op     string
	Status int
	Body   string
	retry  time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status=%d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.Status, e.Body)
}

// IsRateLimit reports a 429 reply.
func (e *StatusError) IsRateLimit() bool { return e.Status == http.StatusTooManyRequests }

// RetryAfter is the server's hint, zero when absent.
func (e *StatusError) RetryAfter() time.Duration { return e.retry }

// HeaderProvider allows injecting per-request headers.
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	stream  *http.Client
	headers HeaderProvider
	logger  *zap.Logger

	chatPath string
	onSkip   func()

	defaultTimeout time.Duration
	seekTimeout    time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithSeekTimeout bounds how long a seek may wait for a match.
func WithSeekTimeout(d time.Duration) Option {
	return func(c *Client) { c.seekTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithRetry sets attempts for idempotent reads on 5xx and transport errors.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStreamClient replaces the net/http client used for NDJSON streams.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.stream = hc
		}
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &fasthttp.Client{WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		stream:         &http.Client{},
		logger:         zap.NewNop(),
		defaultTimeout: 10 * time.Second,
		seekTimeout:    5 * time.Minute,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account fetches the authenticated bot account.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.do(ctx, "account", fasthttp.MethodGet, "/api/account", nil, &acc, true); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Seek posts a public seek. The server keeps the request open until the
// seek is matched, so ctx should carry a generous deadline.
func (c *Client) Seek(ctx context.Context, req SeekRequest) error {
	form := url.Values{}
	form.Set("time", strconv.Itoa(req.TimeMinutes))
	form.Set("increment", strconv.Itoa(req.IncrementSeconds))
	form.Set("rated", strconv.FormatBool(req.Rated))
	if req.Color != "" {
		form.Set("color", req.Color)
	}
	ctx, cancel := context.WithTimeout(ctx, c.seekTimeout)
	defer cancel()
	return c.do(ctx, "seek", fasthttp.MethodPost, "/api/board/seek", form, nil, false)
}

// Move submits a UCI move for gameID.
func (c *Client) Move(ctx context.Context, gameID, uci string) error {
	path := "/api/bot/game/" + url.PathEscape(gameID) + "/move/" + url.PathEscape(uci)
	return c.do(ctx, "move", fasthttp.MethodPost, path, nil, nil, false)
}

func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	return c.do(ctx, "accept", fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(challengeID)+"/accept", nil, nil, false)
}

// DeclineChallenge declines with one of the server's reason keys (generic, later, variant, ...).
func (c *Client) DeclineChallenge(ctx context.Context, challengeID, reason string) error {
	form := url.Values{}
	if reason != "" {
		form.Set("reason", reason)
	}
	return c.do(ctx, "decline", fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(challengeID)+"/decline", form, nil, false)
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	c.applyHeaders(func(k, v string) { req.Header.Set(k, v) })
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBodyString(form.Encode())
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("%s: request failed: %w", op, err)
			if attempt < attempts {
				if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
					return lastErr
				}
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			serr := &StatusError{
				Op:     op,
				Status: status,
				Body:   truncate(string(resp.Body()), 512),
				retry: retryHint(
					string(resp.Header.Peek("Retry-After-Ms")),
					string(resp.Header.Peek("X-Retry-After-Ms")),
					string(resp.Header.Peek("Retry-After")),
				),
			}
			if !shouldRetryStatus(status) || attempt == attempts {
				return serr
			}
			lastErr = serr
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) applyHeaders(set func(k, v string)) {
	if c.token != "" {
		set("Authorization", "Bearer "+c.token)
	}
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				set(k, v)
			}
		}
	}
}

// computeDeadline uses the ctx deadline when present, else the default timeout.
func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(c.defaultTimeout)
}

// retryHint reads millisecond headers first, then Retry-After in seconds.
func retryHint(ms, xms, seconds string) time.Duration {
	for _, v := range []string{ms, xms} {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	seconds = strings.TrimSpace(seconds)
	if seconds == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(seconds, 64); err == nil && n > 0 {
		return time.Duration(n * float64(time.Second))
	}
	if at, err := http.ParseTime(seconds); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
