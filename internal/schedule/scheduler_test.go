package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []botdto.PublicState
}

func (r *recorder) Publish(s botdto.PublicState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) last() botdto.PublicState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func TestSchedulerPublishesBreak(t *testing.T) {
	now := at(9, 0)
	rec := &recorder{}
	s := New(testConfig(), rec, msgcat.MustDefault(), nil, nil, WithClock(func() time.Time { return now }))

	require.True(t, s.Evaluate(false).Seek)
	s.RecordSeekAccepted()
	s.RecordSeekAccepted()
	s.RecordSeekAccepted()
	s.RecordSeekAccepted()
	assert.Equal(t, 3, s.Window().GamesPlayed)

	now = now.Add(time.Hour)
	d := s.Evaluate(false)
	assert.Equal(t, ReasonSessionBreak, d.Reason)

	got := rec.last()
	assert.Equal(t, botdto.StatusBreak, got.Status)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, at(10, 30), got.Schedule.ResumeAt)
	assert.Contains(t, got.Message, "3 games")

	now = now.Add(10 * time.Minute)
	d = s.Evaluate(false)
	assert.Equal(t, ReasonOnBreak, d.Reason)
	got = rec.last()
	assert.Equal(t, botdto.StatusBreak, got.Status)
	assert.Contains(t, got.Message, "Still on a break")
	assert.NotContains(t, got.Message, "Done for the day")
}

func TestSchedulerOutsideHoursIsOffline(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), rec, nil, nil, nil, WithClock(func() time.Time { return at(3, 0) }))

	d := s.Evaluate(false)
	assert.False(t, d.Seek)
	assert.Equal(t, botdto.StatusOffline, rec.last().Status)
	assert.NotEmpty(t, rec.last().Message)
	assert.Contains(t, rec.last().Message, "Outside playing hours")
}

func TestResetSessionClearsWindow(t *testing.T) {
	s := New(testConfig(), nil, nil, nil, nil, WithClock(func() time.Time { return at(9, 0) }))
	s.Evaluate(false)
	s.RecordSeekAccepted()
	s.ResetSession()
	assert.Equal(t, Window{}, s.Window())
}

func TestRunEmitsResumeAndBreakCheck(t *testing.T) {
	cfg := Config{BreakLength: 40 * time.Millisecond, BreakInterval: 25 * time.Millisecond, MaxGames: 1}
	s := New(cfg, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Trigger, 8)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	require.True(t, s.Evaluate(false).Seek)
	s.RecordSeekAccepted()
	require.Equal(t, ReasonSessionBreak, s.Evaluate(false).Reason)

	seen := map[Trigger]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[TriggerResume] || !seen[TriggerBreakCheck] {
		select {
		case tr := <-out:
			seen[tr] = true
		case <-deadline:
			t.Fatalf("triggers seen: %v", seen)
		}
	}
	assert.False(t, seen[TriggerDailyStart])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNextEventPicksEarliestBoundary(t *testing.T) {
	s := New(testConfig(), nil, nil, nil, nil, WithClock(func() time.Time { return at(21, 30) }))
	tr, when := s.nextEvent()
	assert.Equal(t, TriggerDailyEnd, tr)
	assert.Equal(t, at(22, 0), when)

	s.scheduleResume(at(21, 45))
	tr, when = s.nextEvent()
	assert.Equal(t, TriggerResume, tr)
	assert.Equal(t, at(21, 45), when)
}

func TestCanPlayLeavesWindowUntouched(t *testing.T) {
	s := New(testConfig(), nil, nil, nil, nil, WithClock(func() time.Time { return at(9, 0) }))
	assert.True(t, s.CanPlay(false))
	assert.Equal(t, Window{}, s.Window())

	late := New(testConfig(), nil, nil, nil, nil, WithClock(func() time.Time { return at(23, 0) }))
	assert.False(t, late.CanPlay(false))
}
