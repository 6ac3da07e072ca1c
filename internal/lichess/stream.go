package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/park285/Cheese-lichess-bot/internal/ndjson"
	"go.uber.org/zap"
)

const defaultChatPath = "/api/bot/game/stream/%s"

// Stream is one open NDJSON connection.
type Stream struct {
	name   string
	body   io.ReadCloser
	reader *ndjson.Reader
	logger *zap.Logger
	onSkip func()

	closeOnce sync.Once
}

// Next decodes the next record into v. Records that do not fit v are
// skipped. io.EOF means the server ended the stream cleanly.
func (s *Stream) Next(v any) error {
	for {
		rec, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("%s stream: %w", s.name, err)
		}
		if err := json.Unmarshal(rec, v); err != nil {
			s.logger.Warn("stream_record_skipped", zap.String("stream", s.name), zap.Error(err))
			if s.onSkip != nil {
				s.onSkip()
			}
			continue
		}
		return nil
	}
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

// WithSkipHook is called for every malformed or undecodable stream record.
func WithSkipHook(fn func()) Option {
	return func(c *Client) { c.onSkip = fn }
}

// WithChatPath sets the printf-style path of the per-game chat stream.
func WithChatPath(format string) Option {
	return func(c *Client) {
		if strings.Contains(format, "%s") {
			c.chatPath = format
		}
	}
}

// StreamEvents opens the account-wide event stream.
func (c *Client) StreamEvents(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, "events", "/api/stream/event")
}

// StreamGame opens the transcript of one game.
func (c *Client) StreamGame(ctx context.Context, gameID string) (*Stream, error) {
	return c.openStream(ctx, "game", "/api/bot/game/stream/"+url.PathEscape(gameID))
}

// StreamChat opens the chat connection of one game.
func (c *Client) StreamChat(ctx context.Context, gameID string) (*Stream, error) {
	path := c.chatPath
	if path == "" {
		path = defaultChatPath
	}
	return c.openStream(ctx, "chat", fmt.Sprintf(path, url.PathEscape(gameID)))
}

func (c *Client) openStream(ctx context.Context, name, path string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s stream: build request: %w", name, err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	c.applyHeaders(req.Header.Set)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &StatusError{
			Op:     name + "_stream",
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
			retry: retryHint(
				resp.Header.Get("Retry-After-Ms"),
				resp.Header.Get("X-Retry-After-Ms"),
				resp.Header.Get("Retry-After"),
			),
		}
	}

	logger := c.logger.With(zap.String("stream", name))
	dec := ndjson.NewDecoder(logger)
	if c.onSkip != nil {
		dec.OnSkip(func([]byte) { c.onSkip() })
	}
	logger.Debug("stream_opened", zap.String("path", path))
	return &Stream{
		name:   name,
		body:   resp.Body,
		reader: ndjson.NewReader(resp.Body, dec),
		logger: logger,
		onSkip: c.onSkip,
	}, nil
}
