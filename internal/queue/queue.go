// Package queue serializes every write to the game server through a single
// worker that honors the server's rate limits.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrRateLimited = errors.New("rate limited by server")
	ErrStopped     = errors.New("request queue stopped")
	errNoExec      = errors.New("action has no exec func")
)

const (
	defaultCooldown    = 60 * time.Second
	defaultSettleDelay = 300 * time.Millisecond
)

type Kind string

const (
	KindSeek    Kind = "seek"
	KindMove    Kind = "move"
	KindAccept  Kind = "accept"
	KindDecline Kind = "decline"
)

// Action is one pending write. Exec performs the request.
type Action struct {
	ID      string
	Kind    Kind
	GameID  string
	Payload string
	Exec    func(ctx context.Context) error
}

// Gate is the cool-down state set after a rate-limit response.
type Gate struct {
	Blocked  bool
	ResumeAt time.Time
}

// rateLimitSignal is implemented by transport errors that carry a 429.
type rateLimitSignal interface {
	IsRateLimit() bool
	RetryAfter() time.Duration
}

type Config struct {
	// DefaultCooldown applies when the server gave no retry hint.
	DefaultCooldown time.Duration
	// SettleDelay is inserted after every successful action.
	SettleDelay time.Duration
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock replaces the time source and the context-aware sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

type entry struct {
	action     Action
	done       chan error
	enqueuedAt time.Time
}

type Queue struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	pending []*entry
	gate    Gate
	stopped bool
	wake    chan struct{}

	inFlight atomic.Int32
}

func New(cfg Config, opts ...Option) *Queue {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = defaultCooldown
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	q := &Queue{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		sleep:  sleepWithContext,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the action and returns a channel that receives exactly one
// value: nil on success or the failure. Safe for concurrent callers.
func (q *Queue) Enqueue(a Action) <-chan error {
	done := make(chan error, 1)
	if a.Exec == nil {
		done <- errNoExec
		return done
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		done <- ErrStopped
		return done
	}
	q.pending = append(q.pending, &entry{action: a, done: done, enqueuedAt: q.now()})
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

// Submit enqueues and waits for the outcome or for ctx.
func (q *Queue) Submit(ctx context.Context, a Action) error {
	select {
	case err := <-q.Enqueue(a):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gate returns a snapshot of the cool-down gate.
func (q *Queue) Gate() Gate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gate
}

// Len reports actions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight reports actions currently executing (0 or 1).
func (q *Queue) InFlight() int { return int(q.inFlight.Load()) }

// Run drains the queue until ctx is done. Pending actions then fail with ErrStopped.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("queue_started")
	defer q.shutdown()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.waitGate(ctx); err != nil {
			return err
		}
		e, ok := q.next(ctx)
		if !ok {
			return ctx.Err()
		}
		q.execute(ctx, e)
	}
}

func (q *Queue) next(ctx context.Context) (*entry, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			depth := len(q.pending)
			q.mu.Unlock()
			q.metrics.SetQueueDepth(depth)
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) execute(ctx context.Context, e *entry) {
	a := e.action
	start := q.now()
	q.inFlight.Add(1)
	err := a.Exec(ctx)
	q.inFlight.Add(-1)
	elapsed := q.now().Sub(start).Seconds()

	var rl rateLimitSignal
	switch {
	case err == nil:
		q.metrics.RecordAction(string(a.Kind), "ok", elapsed)
		q.logger.Debug("queue_action_done",
			zap.String("id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("game_id", a.GameID),
			zap.Duration("waited", start.Sub(e.enqueuedAt)),
		)
		e.done <- nil
		_ = q.sleep(ctx, q.cfg.SettleDelay)
	case errors.As(err, &rl) && rl.IsRateLimit():
		wait := rl.RetryAfter()
		if wait <= 0 {
			wait = q.cfg.DefaultCooldown
		}
		resumeAt := q.now().Add(wait)
		q.block(resumeAt)
		q.metrics.RecordRateLimit()
		q.metrics.RecordAction(string(a.Kind), "rate_limited", elapsed)
		q.logger.Warn("queue_rate_limited",
			zap.String("id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("game_id", a.GameID),
			zap.Duration("cooldown", wait),
			zap.Time("resume_at", resumeAt),
		)
		e.done <- fmt.Errorf("%w: %s %s: %w", ErrRateLimited, a.Kind, a.ID, err)
	default:
		q.metrics.RecordAction(string(a.Kind), "error", elapsed)
		q.logger.Warn("queue_action_failed",
			zap.String("id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("game_id", a.GameID),
			zap.Error(err),
		)
		e.done <- fmt.Errorf("%s %s: %w", a.Kind, a.ID, err)
	}
}

func (q *Queue) block(resumeAt time.Time) {
	q.mu.Lock()
	q.gate = Gate{Blocked: true, ResumeAt: resumeAt}
	q.mu.Unlock()
	q.metrics.SetGateBlocked(true)
}

func (q *Queue) waitGate(ctx context.Context) error {
	q.mu.Lock()
	gate := q.gate
	q.mu.Unlock()
	if !gate.Blocked {
		return nil
	}
	if err := q.sleep(ctx, gate.ResumeAt.Sub(q.now())); err != nil {
		return err
	}
	q.mu.Lock()
	q.gate = Gate{}
	q.mu.Unlock()
	q.metrics.SetGateBlocked(false)
	q.logger.Info("queue_gate_cleared", zap.Time("resume_at", gate.ResumeAt))
	return nil
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.stopped = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, e := range pending {
		e.done <- ErrStopped
	}
	q.metrics.SetQueueDepth(0)
	q.logger.Info("queue_stopped", zap.Int("dropped", len(pending)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
