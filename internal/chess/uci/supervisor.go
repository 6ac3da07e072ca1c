package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Supervisor keeps one warm engine process for a bot that plays a single
// game at a time. The process is started lazily, reconfigured when the
// requested Options change, and replaced after any failed exchange.
type Supervisor struct {
	binaryPath string
	logger     *zap.Logger
	start      func(ctx context.Context, opt Options) (*Session, error)

	mu      sync.Mutex
	current *Session
	closed  bool
}

var ErrSupervisorClosed = errors.New("engine supervisor closed")

func NewSupervisor(binaryPath string, logger *zap.Logger) (*Supervisor, error) {
	if binaryPath == "" {
		return nil, errors.New("binary path required")
	}
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("stockfish binary check: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{binaryPath: binaryPath, logger: logger}
	s.start = func(ctx context.Context, opt Options) (*Session, error) {
		return NewSession(ctx, s.binaryPath, opt, s.logger)
	}
	return s, nil
}

// Search runs req on the warm process configured with opt. newGame sends
// ucinewgame first.
func (s *Supervisor) Search(ctx context.Context, opt Options, newGame bool, req SearchRequest) (SearchResponse, error) {
	sess, err := s.acquire(ctx, opt)
	if err != nil {
		return SearchResponse{}, err
	}
	if newGame {
		if err := sess.NewGame(ctx); err != nil {
			s.discard(sess, err)
			return SearchResponse{}, err
		}
	}
	resp, err := sess.Search(ctx, req)
	if err != nil {
		s.discard(sess, err)
		return SearchResponse{}, err
	}
	return resp, nil
}

func (s *Supervisor) acquire(ctx context.Context, opt Options) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if s.current != nil && !s.current.Alive() {
		s.logger.Warn("uci_process_gone")
		_ = s.current.Close()
		s.current = nil
	}
	if s.current == nil {
		sess, err := s.start(ctx, opt)
		if err != nil {
			s.logger.Warn("uci_session_start_failed", zap.Error(err))
			return nil, err
		}
		s.logger.Debug("uci_session_started", zap.Int("skill", opt.SkillLevel), zap.Int("elo", opt.Elo))
		s.current = sess
		return sess, nil
	}
	if err := s.current.Configure(ctx, opt); err != nil {
		_ = s.current.Close()
		s.current = nil
		return nil, fmt.Errorf("reconfigure engine: %w", err)
	}
	return s.current, nil
}

func (s *Supervisor) discard(sess *Session, cause error) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
	s.logger.Warn("uci_session_discarded", zap.Error(cause))
	_ = sess.Close()
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.closed = true
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
