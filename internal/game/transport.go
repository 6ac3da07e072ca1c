package game

import (
	"context"

	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/queue"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
)

// Stream yields decoded records until io.EOF or a transport error.
type Stream interface {
	Next(v any) error
	Close() error
}

// Transport is what a session needs from the game server.
type Transport interface {
	Account(ctx context.Context) (*lichess.Account, error)
	OpenGame(ctx context.Context, gameID string) (Stream, error)
	OpenChat(ctx context.Context, gameID string) (Stream, error)
	Move(ctx context.Context, gameID, uci string) error
}

// Enqueuer submits writes through the process-wide request queue.
type Enqueuer interface {
	Enqueue(a queue.Action) <-chan error
}

// Publisher receives every externally visible state change.
type Publisher interface {
	Publish(s botdto.PublicState)
}

type clientTransport struct {
	c *lichess.Client
}

// NewTransport adapts a lichess client.
func NewTransport(c *lichess.Client) Transport {
	return clientTransport{c: c}
}

func (t clientTransport) Account(ctx context.Context) (*lichess.Account, error) {
	return t.c.Account(ctx)
}

func (t clientTransport) OpenGame(ctx context.Context, gameID string) (Stream, error) {
	s, err := t.c.StreamGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t clientTransport) OpenChat(ctx context.Context, gameID string) (Stream, error) {
	s, err := t.c.StreamChat(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t clientTransport) Move(ctx context.Context, gameID, uci string) error {
	return t.c.Move(ctx, gameID, uci)
}
