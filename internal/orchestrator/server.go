package orchestrator

import (
	"context"

	"github.com/park285/Cheese-lichess-bot/internal/game"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
)

// Decline reasons understood by the server.
const (
	DeclineGeneric = "generic"
	DeclineLater   = "later"
	DeclineVariant = "variant"
)

// Server is the account-level part of the remote API.
type Server interface {
	StreamEvents(ctx context.Context) (game.Stream, error)
	Seek(ctx context.Context, req lichess.SeekRequest) error
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID, reason string) error
}

type clientServer struct {
	c *lichess.Client
}

// NewServer adapts a lichess client.
func NewServer(c *lichess.Client) Server {
	return clientServer{c: c}
}

func (s clientServer) StreamEvents(ctx context.Context) (game.Stream, error) {
	st, err := s.c.StreamEvents(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s clientServer) Seek(ctx context.Context, req lichess.SeekRequest) error {
	return s.c.Seek(ctx, req)
}

func (s clientServer) AcceptChallenge(ctx context.Context, id string) error {
	return s.c.AcceptChallenge(ctx, id)
}

func (s clientServer) DeclineChallenge(ctx context.Context, id, reason string) error {
	return s.c.DeclineChallenge(ctx, id, reason)
}
