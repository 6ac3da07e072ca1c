package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/broadcast"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/park285/Cheese-lichess-bot/internal/game"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/internal/queue"
	"github.com/park285/Cheese-lichess-bot/internal/schedule"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	items  chan string
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan string, 16), closed: make(chan struct{})}
}

func (f *fakeStream) Next(v any) error {
	select {
	case s := <-f.items:
		return json.Unmarshal([]byte(s), v)
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeServer struct {
	mu       sync.Mutex
	events   *fakeStream
	openErrs []error
	opens    int

	seeks    chan lichess.SeekRequest
	accepted chan string
	declined chan string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		events:   newFakeStream(),
		seeks:    make(chan lichess.SeekRequest, 8),
		accepted: make(chan string, 8),
		declined: make(chan string, 8),
	}
}

func (f *fakeServer) StreamEvents(context.Context) (game.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.opens
	f.opens++
	if i < len(f.openErrs) && f.openErrs[i] != nil {
		return nil, f.openErrs[i]
	}
	return f.events, nil
}

func (f *fakeServer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeServer) Seek(_ context.Context, req lichess.SeekRequest) error {
	f.seeks <- req
	return nil
}

func (f *fakeServer) AcceptChallenge(_ context.Context, id string) error {
	f.accepted <- id
	return nil
}

func (f *fakeServer) DeclineChallenge(_ context.Context, id, reason string) error {
	f.declined <- id + ":" + reason
	return nil
}

type fakeRunner struct {
	info   game.Info
	result chan game.Result
}

func (r *fakeRunner) Run(ctx context.Context) game.Result {
	select {
	case res := <-r.result:
		return res
	case <-ctx.Done():
		return game.Result{GameID: r.info.GameID, Err: ctx.Err()}
	}
}

type harness struct {
	server    *fakeServer
	queue     *queue.Queue
	scheduler *schedule.Scheduler
	bc        *broadcast.Broadcaster
	orch      *Orchestrator
	started   chan *fakeRunner

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config, sched schedule.Config) *harness {
	t.Helper()
	h := &harness{server: newFakeServer(), started: make(chan *fakeRunner, 8)}
	h.queue = queue.New(queue.Config{SettleDelay: -1})
	h.bc = broadcast.New(nil, nil)
	h.scheduler = schedule.New(sched, h.bc, msgcat.MustDefault(), nil, nil)
	h.orch = New(cfg, Deps{
		Server:      h.server,
		Queue:       h.queue,
		Scheduler:   h.scheduler,
		Broadcaster: h.bc,
		Messages:    msgcat.MustDefault(),
		NewSession: func(info game.Info) SessionRunner {
			r := &fakeRunner{info: info, result: make(chan game.Result, 1)}
			h.started <- r
			return r
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	})
	t.Cleanup(h.bc.Close)
	return h
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.queue.Run(ctx) }()
	done := make(chan error, 1)
	go func() { done <- h.orch.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func (h *harness) push(ev string) { h.server.events.items <- ev }

func waitSeek(t *testing.T, h *harness) lichess.SeekRequest {
	t.Helper()
	select {
	case req := <-h.server.seeks:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no seek issued")
	}
	return lichess.SeekRequest{}
}

func waitStarted(t *testing.T, h *harness) *fakeRunner {
	t.Helper()
	select {
	case r := <-h.started:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no session started")
	}
	return nil
}

const gameStartG1 = `{"type":"gameStart","game":{"gameId":"g1","color":"black","opponent":{"id":"ann","username":"Ann","rating":1710}}}`
const gameStartG2 = `{"type":"gameStart","game":{"gameId":"g2","color":"white"}}`

func allDay() schedule.Config {
	return schedule.Config{BreakLength: time.Hour}
}

func TestSeekThenSingleGameSlot(t *testing.T) {
	cfg := Config{Seek: lichess.SeekRequest{TimeMinutes: 3, IncrementSeconds: 2, Rated: true}}
	h := newHarness(t, cfg, allDay())
	h.start(t)

	req := waitSeek(t, h)
	assert.Equal(t, cfg.Seek, req)
	require.Eventually(t, func() bool { return h.scheduler.Window().GamesPlayed == 1 }, 2*time.Second, 5*time.Millisecond)

	h.push(gameStartG1)
	r := waitStarted(t, h)
	assert.Equal(t, "g1", r.info.GameID)
	assert.Equal(t, chess.Black, r.info.Color)
	assert.Equal(t, "Ann", r.info.Opponent)
	assert.Equal(t, 1710, r.info.OpponentRating)
	assert.Equal(t, "g1", h.orch.ActiveGame())

	h.push(gameStartG2)
	h.push(gameStartG1)
	select {
	case extra := <-h.started:
		t.Fatalf("second session started: %s", extra.info.GameID)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, "g1", h.orch.ActiveGame())
}

func TestTranscriptErrorEmptiesSlotAndReseeks(t *testing.T) {
	h := newHarness(t, Config{PostGameMin: 2 * time.Second, PostGameMax: 2 * time.Second}, allDay())
	h.start(t)
	waitSeek(t, h)

	h.push(gameStartG1)
	r := waitStarted(t, h)
	r.result <- game.Result{GameID: "g1", Status: "error", Err: lichess.ErrStreamClosed}

	require.Eventually(t, func() bool { return h.orch.ActiveGame() == "" }, 2*time.Second, 5*time.Millisecond)
	waitSeek(t, h)

	h.mu.Lock()
	assert.Contains(t, h.sleeps, 2*time.Second)
	h.mu.Unlock()
}

func TestDailyEndClearsActiveGame(t *testing.T) {
	h := newHarness(t, Config{}, allDay())
	h.start(t)
	waitSeek(t, h)

	h.push(gameStartG1)
	r := waitStarted(t, h)
	require.Equal(t, "g1", h.orch.ActiveGame())

	h.orch.handleTrigger(schedule.TriggerDailyEnd)
	require.Eventually(t, func() bool { return h.orch.ActiveGame() == "" }, 2*time.Second, 5*time.Millisecond)

	// a fresh gameStart can take the slot again
	h.push(gameStartG2)
	next := waitStarted(t, h)
	assert.Equal(t, "g2", next.info.GameID)
	assert.NotEqual(t, r.info.GameID, next.info.GameID)
}

func TestSessionBreakStopsSeeking(t *testing.T) {
	sched := allDay()
	sched.MaxGames = 1
	h := newHarness(t, Config{}, sched)
	h.start(t)

	waitSeek(t, h)
	require.Eventually(t, func() bool { return h.scheduler.Window().GamesPlayed == 1 }, 2*time.Second, 5*time.Millisecond)
	h.push(gameStartG1)
	r := waitStarted(t, h)
	r.result <- game.Result{GameID: "g1", Status: "mate", Winner: "black"}

	require.Eventually(t, func() bool {
		st, ok := h.orch.CurrentState()
		return ok && st.Status == botdto.StatusBreak
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-h.server.seeks:
		t.Fatal("seek issued during a break")
	case <-time.After(100 * time.Millisecond):
	}
	st, _ := h.orch.CurrentState()
	assert.Contains(t, st.Message, "1 games")
}

func TestEventStreamFailurePublishesErrorAndRestarts(t *testing.T) {
	h := newHarness(t, Config{RestartDelay: 7 * time.Second}, allDay())
	h.server.openErrs = []error{&lichess.StatusError{Op: "events_stream", Status: 502}}

	var mu sync.Mutex
	var seen []botdto.PublicState
	id := h.orch.Subscribe(func(s botdto.PublicState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer h.orch.Unsubscribe(id)

	cancel, done := h.start(t)
	waitSeek(t, h)
	assert.Equal(t, 2, h.server.openCount())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	first := seen[0]
	mu.Unlock()
	assert.Equal(t, botdto.StatusError, first.Status)
	assert.Contains(t, first.Message, "Restarting in 7s")

	h.mu.Lock()
	assert.Contains(t, h.sleeps, 7*time.Second)
	h.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEventStreamEOFRestartsAndClearsSlot(t *testing.T) {
	h := newHarness(t, Config{}, allDay())
	h.start(t)
	waitSeek(t, h)
	h.push(gameStartG1)
	waitStarted(t, h)

	old := h.server.events
	h.server.mu.Lock()
	h.server.events = newFakeStream()
	h.server.mu.Unlock()
	_ = old.Close()

	require.Eventually(t, func() bool { return h.server.openCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.orch.ActiveGame() == "" }, 2*time.Second, 5*time.Millisecond)
}

func TestDeclineReason(t *testing.T) {
	h := newHarness(t, Config{AcceptChallenges: true}, allDay())
	standard := &lichess.Challenge{ID: "c1", Variant: lichess.Variant{Key: "standard"}}

	assert.Equal(t, "", h.orch.declineReason(standard))
	assert.Equal(t, DeclineVariant, h.orch.declineReason(&lichess.Challenge{ID: "c2", Variant: lichess.Variant{Key: "chess960"}}))

	h.orch.active = &activeGame{id: "g1", cancel: func() {}}
	assert.Equal(t, DeclineLater, h.orch.declineReason(standard))
	h.orch.active = nil

	off := newHarness(t, Config{}, allDay())
	assert.Equal(t, DeclineGeneric, off.orch.declineReason(standard))

	night := schedule.Config{StartHour: 8, EndHour: 9, Location: time.UTC}
	closed := newHarness(t, Config{AcceptChallenges: true}, night)
	if !night.InPlayHours(time.Now()) {
		assert.Equal(t, DeclineLater, closed.orch.declineReason(standard))
	}
}

func TestChallengeGoesThroughQueue(t *testing.T) {
	h := newHarness(t, Config{AcceptChallenges: true}, allDay())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.queue.Run(ctx) }()

	h.orch.handleChallenge(&lichess.Challenge{ID: "c1", Variant: lichess.Variant{Key: "standard"}})
	h.orch.handleChallenge(&lichess.Challenge{ID: "c2", Variant: lichess.Variant{Key: "atomic"}})

	select {
	case id := <-h.server.accepted:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("challenge not accepted")
	}
	select {
	case got := <-h.server.declined:
		assert.Equal(t, "c2:variant", got)
	case <-time.After(2 * time.Second):
		t.Fatal("challenge not declined")
	}
}

func TestSeekFailurePublishesMessage(t *testing.T) {
	h := newHarness(t, Config{SeekRetryDelay: time.Minute}, allDay())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.onSeekDone(ctx, errors.New("no opponent"))
	st, ok := h.orch.CurrentState()
	require.True(t, ok)
	assert.Equal(t, botdto.StatusError, st.Status)
	assert.Equal(t, "Seek failed: no opponent", st.Message)
}
