// Package orchestrator runs the top-level loop: it consumes the account
// event stream, seeks games when the schedule allows, and plays at most one
// game at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/broadcast"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/park285/Cheese-lichess-bot/internal/game"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/internal/queue"
	"github.com/park285/Cheese-lichess-bot/internal/schedule"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"go.uber.org/zap"
)

const (
	defaultRestartDelay = 10 * time.Second
	defaultSeekRetry    = 15 * time.Second
)

type Config struct {
	Seek             lichess.SeekRequest
	AcceptChallenges bool
	PostGameMin      time.Duration
	PostGameMax      time.Duration
	RestartDelay     time.Duration
	SeekRetryDelay   time.Duration
}

// SessionRunner plays one game to completion.
type SessionRunner interface {
	Run(ctx context.Context) game.Result
}

// SessionFactory builds the runner for a started game.
type SessionFactory func(info game.Info) SessionRunner

type Deps struct {
	Server      Server
	Queue       game.Enqueuer
	Scheduler   *schedule.Scheduler
	Broadcaster *broadcast.Broadcaster
	NewSession  SessionFactory
	Messages    *msgcat.Catalog
	Metrics     *metrics.Collector
	Logger      *zap.Logger
	Rand        *rand.Rand
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
}

type activeGame struct {
	id     string
	cancel context.CancelFunc
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	active  *activeGame
	seeking bool

	seekReq  chan struct{}
	finished chan game.Result
	seekDone chan error
	sessions sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepWithContext
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.SeekRetryDelay <= 0 {
		cfg.SeekRetryDelay = defaultSeekRetry
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.Named("orchestrator"),
		seekReq:  make(chan struct{}, 1),
		finished: make(chan game.Result),
		seekDone: make(chan error),
	}
}

// CurrentState returns the last broadcast snapshot.
func (o *Orchestrator) CurrentState() (botdto.PublicState, bool) {
	return o.deps.Broadcaster.Current()
}

func (o *Orchestrator) Subscribe(fn broadcast.Observer) int {
	return o.deps.Broadcaster.Subscribe(fn)
}

func (o *Orchestrator) Unsubscribe(id int) {
	o.deps.Broadcaster.Unsubscribe(id)
}

// ActiveGame returns the id occupying the game slot, or "".
func (o *Orchestrator) ActiveGame() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.id
}

// Start runs the loop until ctx is done. A failed loop is reported and
// restarted after RestartDelay.
func (o *Orchestrator) Start(ctx context.Context) error {
	for {
		err := o.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := o.cfg.RestartDelay
		o.deps.Metrics.RecordRestart()
		o.log.Error("orchestrator_loop_failed", zap.Error(err), zap.Duration("restart_in", delay))
		o.publish(botdto.StatusError, o.deps.Messages.Text("orchestrator.restart",
			map[string]any{"Error": err.Error(), "Delay": delay.String()}, "Restarting."))
		if err := o.deps.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		o.sessions.Wait()
		o.mu.Lock()
		o.active = nil
		o.seeking = false
		o.mu.Unlock()
	}()

	events, err := o.deps.Server.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer events.Close()
	o.log.Info("event_stream_open")

	evCh := make(chan lichess.Event)
	errCh := make(chan error, 1)
	go readEvents(ctx, events, evCh, errCh)

	triggers := make(chan schedule.Trigger)
	go func() {
		if err := o.deps.Scheduler.Run(ctx, triggers); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("scheduler_stopped", zap.Error(err))
		}
	}()

	o.requestSeek()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				err = lichess.ErrStreamClosed
			}
			return fmt.Errorf("event stream: %w", err)
		case ev := <-evCh:
			o.handleEvent(ctx, ev)
		case t := <-triggers:
			o.handleTrigger(t)
		case res := <-o.finished:
			o.onSessionEnd(ctx, res)
		case err := <-o.seekDone:
			o.onSeekDone(ctx, err)
		case <-o.seekReq:
			o.trySeek(ctx)
		}
	}
}

func readEvents(ctx context.Context, st game.Stream, out chan<- lichess.Event, errCh chan<- error) {
	for {
		var ev lichess.Event
		if err := st.Next(&ev); err != nil {
			errCh <- err
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev lichess.Event) {
	switch ev.Type {
	case lichess.EventGameStart:
		o.startSession(ctx, ev.Game)
	case lichess.EventGameFinish:
		o.log.Debug("game_finish_event", zap.String("game_id", ev.Game.Key()))
	case lichess.EventChallenge:
		o.handleChallenge(ev.Challenge)
	default:
		o.log.Debug("event_ignored", zap.String("type", ev.Type))
	}
}

func (o *Orchestrator) handleTrigger(t schedule.Trigger) {
	o.log.Info("schedule_trigger", zap.Stringer("trigger", t))
	switch t {
	case schedule.TriggerDailyStart:
		o.deps.Scheduler.ResetSession()
		o.requestSeek()
	case schedule.TriggerDailyEnd:
		o.mu.Lock()
		active := o.active
		o.mu.Unlock()
		if active != nil {
			o.log.Warn("daily_end_clearing_game", zap.String("game_id", active.id))
			active.cancel()
			return
		}
		o.requestSeek()
	case schedule.TriggerBreakCheck, schedule.TriggerResume:
		o.requestSeek()
	}
}

// startSession fills the single game slot. It is a no-op while the slot is taken.
func (o *Orchestrator) startSession(ctx context.Context, info *lichess.GameInfo) {
	id := info.Key()
	if id == "" {
		return
	}
	o.mu.Lock()
	if o.active != nil {
		busy := o.active.id
		o.mu.Unlock()
		if busy != id {
			o.log.Warn("game_slot_occupied", zap.String("game_id", id), zap.String("active", busy))
		}
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	o.active = &activeGame{id: id, cancel: cancel}
	o.mu.Unlock()

	gi := game.Info{GameID: id, Color: chess.ParseColor(info.Color)}
	if info.Opponent != nil {
		gi.Opponent = info.Opponent.Username
		gi.OpponentRating = info.Opponent.Rating
	}
	runner := o.deps.NewSession(gi)
	o.log.Info("game_slot_filled", zap.String("game_id", id), zap.String("color", string(gi.Color)))

	o.sessions.Add(1)
	go func() {
		defer o.sessions.Done()
		defer cancel()
		res := runner.Run(sctx)
		if res.GameID == "" {
			res.GameID = id
		}
		select {
		case o.finished <- res:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) onSessionEnd(ctx context.Context, res game.Result) {
	o.mu.Lock()
	if o.active != nil && o.active.id == res.GameID {
		o.active = nil
	}
	o.mu.Unlock()

	fields := []zap.Field{zap.String("game_id", res.GameID), zap.String("status", res.Status), zap.Int("moves", res.Moves)}
	if res.Err != nil {
		o.log.Warn("game_slot_released", append(fields, zap.Error(res.Err))...)
	} else {
		o.log.Info("game_slot_released", fields...)
	}

	delay := o.postGameDelay()
	go func() {
		if err := o.deps.Sleep(ctx, delay); err != nil {
			return
		}
		o.requestSeek()
	}()
}

func (o *Orchestrator) postGameDelay() time.Duration {
	lo, hi := o.cfg.PostGameMin, o.cfg.PostGameMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(o.deps.Rand.Int63n(int64(hi-lo)+1))
}

func (o *Orchestrator) requestSeek() {
	select {
	case o.seekReq <- struct{}{}:
	default:
	}
}

// trySeek asks the scheduler first and only then submits a seek through the queue.
func (o *Orchestrator) trySeek(ctx context.Context) {
	o.mu.Lock()
	busy := o.active != nil || o.seeking
	o.mu.Unlock()
	if busy {
		return
	}

	if d := o.deps.Scheduler.Evaluate(false); !d.Seek {
		return
	}

	o.mu.Lock()
	o.seeking = true
	o.mu.Unlock()
	o.publish(botdto.StatusSeeking, o.deps.Messages.Text("orchestrator.seeking", nil, "Looking for a game."))

	req := o.cfg.Seek
	server := o.deps.Server
	done := o.deps.Queue.Enqueue(queue.Action{
		Kind:    queue.KindSeek,
		Payload: fmt.Sprintf("%d+%d", req.TimeMinutes, req.IncrementSeconds),
		Exec: func(qctx context.Context) error {
			return server.Seek(qctx, req)
		},
	})
	go func() {
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			return
		}
		select {
		case o.seekDone <- err:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) onSeekDone(ctx context.Context, err error) {
	o.mu.Lock()
	o.seeking = false
	o.mu.Unlock()

	if err == nil {
		o.deps.Scheduler.RecordSeekAccepted()
		o.log.Info("seek_accepted")
		return
	}

	o.log.Warn("seek_failed", zap.Error(err), zap.Duration("retry_in", o.cfg.SeekRetryDelay))
	if o.ActiveGame() == "" {
		o.publish(botdto.StatusError, o.deps.Messages.Text("orchestrator.seek_failed",
			map[string]any{"Error": err.Error()}, "Seek failed."))
	}
	delay := o.cfg.SeekRetryDelay
	if errors.Is(err, queue.ErrRateLimited) {
		// the queue gate already holds further writes back
		delay = 0
	}
	go func() {
		if err := o.deps.Sleep(ctx, delay); err != nil {
			return
		}
		o.requestSeek()
	}()
}

func (o *Orchestrator) handleChallenge(ch *lichess.Challenge) {
	if ch == nil || ch.ID == "" {
		return
	}
	reason := o.declineReason(ch)
	log := o.log.With(zap.String("challenge_id", ch.ID), zap.String("variant", ch.Variant.Key))
	if ch.Challenger != nil {
		log = log.With(zap.String("challenger", ch.Challenger.Name))
	}

	server := o.deps.Server
	id := ch.ID
	action := queue.Action{Kind: queue.KindAccept, Payload: id}
	if reason == "" {
		action.Exec = func(qctx context.Context) error { return server.AcceptChallenge(qctx, id) }
	} else {
		action.Kind = queue.KindDecline
		action.Payload = reason
		action.Exec = func(qctx context.Context) error { return server.DeclineChallenge(qctx, id, reason) }
	}
	done := o.deps.Queue.Enqueue(action)
	scheduler := o.deps.Scheduler
	go func() {
		err := <-done
		switch {
		case err != nil:
			log.Warn("challenge_response_failed", zap.String("kind", string(action.Kind)), zap.Error(err))
		case action.Kind == queue.KindAccept:
			scheduler.RecordSeekAccepted()
			log.Info("challenge_accepted")
		default:
			log.Info("challenge_declined", zap.String("reason", reason))
		}
	}()
}

// declineReason returns "" when the challenge should be accepted.
func (o *Orchestrator) declineReason(ch *lichess.Challenge) string {
	if !o.cfg.AcceptChallenges {
		return DeclineGeneric
	}
	if v := strings.ToLower(ch.Variant.Key); v != "" && v != "standard" {
		return DeclineVariant
	}
	o.mu.Lock()
	busy := o.active != nil || o.seeking
	o.mu.Unlock()
	if busy || !o.deps.Scheduler.CanPlay(false) {
		return DeclineLater
	}
	return ""
}

func (o *Orchestrator) publish(status, msg string) {
	o.deps.Broadcaster.Publish(botdto.PublicState{
		Status:    status,
		Message:   msg,
		UpdatedAt: o.deps.Now(),
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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
