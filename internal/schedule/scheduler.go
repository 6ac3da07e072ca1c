package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"go.uber.org/zap"
)

type Trigger int

const (
	TriggerDailyStart Trigger = iota + 1
	TriggerDailyEnd
	TriggerBreakCheck
	TriggerResume
)

func (t Trigger) String() string {
	switch t {
	case TriggerDailyStart:
		return "daily_start"
	case TriggerDailyEnd:
		return "daily_end"
	case TriggerBreakCheck:
		return "break_check"
	case TriggerResume:
		return "resume"
	default:
		return "unknown"
	}
}

type Publisher interface {
	Publish(s botdto.PublicState)
}

// Scheduler owns the process-wide Window. All mutation goes through it.
type Scheduler struct {
	cfg       Config
	publisher Publisher
	messages  *msgcat.Catalog
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	window Window
	resume time.Time
	rearm  chan struct{}
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, pub Publisher, messages *msgcat.Catalog, m *metrics.Collector, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:       cfg,
		publisher: pub,
		messages:  messages,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		rearm:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Window returns a snapshot of the scheduling state.
func (s *Scheduler) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Evaluate runs Decide against the owned window. A do-not-seek decision is
// published and arms a resume trigger at its ResumeAt.
func (s *Scheduler) Evaluate(gameActive bool) Decision {
	now := s.now()
	s.mu.Lock()
	d, w := Decide(s.cfg, s.window, now, gameActive)
	s.window = w
	s.mu.Unlock()

	s.metrics.SetSessionGames(w.GamesPlayed)
	if d.Seek {
		return d
	}

	s.logger.Info("schedule_pause",
		zap.String("reason", d.Reason),
		zap.Time("resume_at", d.ResumeAt),
		zap.Int("games_played", d.GamesPlayed),
	)
	s.publishPause(d)
	s.scheduleResume(d.ResumeAt)
	return d
}

// CanPlay reports whether a seek would be allowed now, without touching the window.
func (s *Scheduler) CanPlay(gameActive bool) bool {
	d, _ := Decide(s.cfg, s.Window(), s.now(), gameActive)
	return d.Seek
}

// RecordSeekAccepted counts one game once the server accepted the seek.
func (s *Scheduler) RecordSeekAccepted() {
	s.mu.Lock()
	s.window = RecordSeekAccepted(s.cfg, s.window)
	n := s.window.GamesPlayed
	s.mu.Unlock()
	s.metrics.SetSessionGames(n)
	s.logger.Debug("schedule_game_counted", zap.Int("games_played", n))
}

// ResetSession clears the window, as at the daily start hour.
func (s *Scheduler) ResetSession() {
	s.mu.Lock()
	s.window = Window{}
	s.resume = time.Time{}
	s.mu.Unlock()
	s.metrics.SetSessionGames(0)
	s.poke()
}

func (s *Scheduler) scheduleResume(at time.Time) {
	if at.IsZero() {
		return
	}
	s.mu.Lock()
	s.resume = at
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publishPause(d Decision) {
	if s.publisher == nil {
		return
	}
	resumeAt := formatResume(d.ResumeAt, s.cfg.loc())
	status := botdto.StatusBreak
	var msg string
	switch d.Reason {
	case ReasonSessionBreak:
		msg = s.messages.Text("schedule.session_break",
			map[string]any{"Games": d.GamesPlayed, "ResumeAt": resumeAt}, "Taking a break.")
	case ReasonOnBreak:
		msg = s.messages.Text("schedule.on_break",
			map[string]any{"ResumeAt": resumeAt}, "On a break.")
	default:
		status = botdto.StatusOffline
		msg = s.messages.Text("schedule.outside_hours",
			map[string]any{"ResumeAt": resumeAt}, "Outside playing hours.")
	}
	w := s.Window()
	s.publisher.Publish(botdto.PublicState{
		Status:  status,
		Message: msg,
		Schedule: &botdto.ScheduleNote{
			Status:       d.Reason,
			ResumeAt:     d.ResumeAt,
			SessionStart: w.SessionStart,
			GamesPlayed:  w.GamesPlayed,
		},
		UpdatedAt: s.now(),
	})
}

func formatResume(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("15:04 MST")
}

// Run emits wall-clock triggers until ctx is done. Sends block, so the
// consumer sees every trigger in order.
func (s *Scheduler) Run(ctx context.Context, out chan<- Trigger) error {
	var ticker <-chan time.Time
	if s.cfg.BreakInterval > 0 {
		t := time.NewTicker(s.cfg.BreakInterval)
		defer t.Stop()
		ticker = t.C
	}

	for {
		trigger, at := s.nextEvent()
		var timerC <-chan time.Time
		var timer *time.Timer
		if trigger != 0 {
			timer = time.NewTimer(at.Sub(s.now()))
			timerC = timer.C
		}

		var fired Trigger
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-s.rearm:
			stopTimer(timer)
			continue
		case <-ticker:
			fired = TriggerBreakCheck
		case <-timerC:
			fired = trigger
			if trigger == TriggerResume {
				s.mu.Lock()
				if s.resume.Equal(at) {
					s.resume = time.Time{}
				}
				s.mu.Unlock()
			}
		}
		stopTimer(timer)

		s.logger.Debug("schedule_trigger", zap.Stringer("trigger", fired))
		select {
		case out <- fired:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextEvent returns the earliest calendar or resume trigger.
func (s *Scheduler) nextEvent() (Trigger, time.Time) {
	now := s.now()
	var best Trigger
	var at time.Time
	consider := func(t Trigger, when time.Time) {
		if when.IsZero() {
			return
		}
		if best == 0 || when.Before(at) {
			best, at = t, when
		}
	}
	if !s.cfg.AllDay() {
		consider(TriggerDailyStart, s.cfg.NextStart(now))
		consider(TriggerDailyEnd, s.cfg.NextEnd(now))
	}
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()
	consider(TriggerResume, resume)
	return best, at
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
