package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentIsLastWriteWins(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	_, ok := b.Current()
	assert.False(t, ok)

	b.Publish(botdto.PublicState{GameID: "g1", Status: botdto.StatusPlaying})
	b.Publish(botdto.PublicState{GameID: "g1", Status: botdto.StatusEnded, Message: "Checkmate."})

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, botdto.StatusEnded, cur.Status)
	assert.Equal(t, "Checkmate.", cur.Message)
	assert.False(t, cur.UpdatedAt.IsZero())
}

func TestCurrentReturnsCopy(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()
	b.Publish(botdto.PublicState{Moves: []string{"e2e4"}})

	cur, _ := b.Current()
	cur.Moves[0] = "d2d4"
	again, _ := b.Current()
	assert.Equal(t, []string{"e2e4"}, again.Moves)
}

func TestSlowObserverDoesNotBlockOthers(t *testing.T) {
	b := New(nil, nil, WithMailbox(2))
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(func(botdto.PublicState) { <-release })

	var mu sync.Mutex
	var last string
	b.Subscribe(func(s botdto.PublicState) {
		mu.Lock()
		last = s.Message
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(botdto.PublicState{Message: string(rune('a' + i%26))})
		}
		b.Publish(botdto.PublicState{Message: "final"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow observer")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == "final"
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
}

func TestSubscribeReceivesCurrentState(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()
	b.Publish(botdto.PublicState{Status: botdto.StatusSeeking})

	got := make(chan botdto.PublicState, 1)
	b.Subscribe(func(s botdto.PublicState) { got <- s })

	select {
	case s := <-got:
		assert.Equal(t, botdto.StatusSeeking, s.Status)
	case <-time.After(time.Second):
		t.Fatal("no initial delivery")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	got := make(chan string, 8)
	id := b.Subscribe(func(s botdto.PublicState) { got <- s.Message })
	b.Publish(botdto.PublicState{Message: "one"})
	require.Equal(t, "one", <-got)

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Publish(botdto.PublicState{Message: "two"})

	select {
	case m := <-got:
		t.Fatalf("unexpected delivery %q after unsubscribe", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()

	b.Subscribe(func(botdto.PublicState) { panic("boom") })
	got := make(chan string, 4)
	b.Subscribe(func(s botdto.PublicState) { got <- s.Message })

	b.Publish(botdto.PublicState{Message: "first"})
	b.Publish(botdto.PublicState{Message: "second"})
	assert.Equal(t, "first", <-got)
	assert.Equal(t, "second", <-got)
}
