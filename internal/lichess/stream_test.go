package lichess

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gameTranscript = `{"type":"gameFull","id":"g1","white":{"id":"cheesebot","name":"CheeseBot","rating":1650},"black":{"id":"opp","name":"Opp","rating":1580},"initialFen":"startpos","state":{"type":"gameState","moves":"","wtime":180000,"btime":180000,"status":"started"}}
not json at all
{"type":"gameState","moves":"e2e4","wtime":179000,"btime":180000,"status":"started"}

{"type":"chatLine","username":"Opp","text":"gl","room":"player"}
{"type":"gameState","moves":"e2e4 e7e5","wtime":179000,"btime":178000,"status":"resign","winner":"white"}`

func TestStreamGameDecodesTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bot/game/stream/g1", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		// split mid-record across flushes
		_, _ = io.WriteString(w, gameTranscript[:97])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, gameTranscript[97:])
	}))
	defer srv.Close()

	var skipped int
	c := NewClient(srv.URL, "t", WithSkipHook(func() { skipped++ }))
	s, err := c.StreamGame(context.Background(), "g1")
	require.NoError(t, err)
	defer s.Close()

	var events []GameEvent
	for {
		var ev GameEvent
		err := s.Next(&ev)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, 1, skipped)

	full := events[0]
	assert.Equal(t, GameEventFull, full.Type)
	assert.Equal(t, "cheesebot", full.White.ID)
	assert.Equal(t, int64(180000), full.CurrentState().WTime)
	assert.Empty(t, full.CurrentState().MoveList())

	assert.Equal(t, []string{"e2e4"}, events[1].CurrentState().MoveList())
	assert.Equal(t, GameEventChat, events[2].Type)
	assert.Equal(t, "gl", events[2].Text)

	last := events[3].CurrentState()
	assert.True(t, IsTerminalStatus(last.Status))
	assert.Equal(t, "white", last.Winner)
	assert.False(t, IsTerminalStatus("started"))
}

func TestStreamOpenFailureIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such game", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t", WithChatPath("/chat/%s")).StreamChat(context.Background(), "g1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "chat_stream", se.Op)
}

func TestStreamEventsDecodesGameStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream/event", r.URL.Path)
		_, _ = io.WriteString(w, "\n{\"type\":\"gameStart\",\"game\":{\"gameId\":\"g9\",\"color\":\"black\",\"opponent\":{\"id\":\"x\",\"username\":\"X\",\"rating\":1490}}}\n")
	}))
	defer srv.Close()

	s, err := NewClient(srv.URL, "t").StreamEvents(context.Background())
	require.NoError(t, err)
	defer s.Close()

	var ev Event
	require.NoError(t, s.Next(&ev))
	assert.Equal(t, EventGameStart, ev.Type)
	assert.Equal(t, "g9", ev.Game.Key())
	assert.Equal(t, "black", ev.Game.Color)
	assert.Equal(t, 1490, ev.Game.Opponent.Rating)
	assert.ErrorIs(t, s.Next(&ev), io.EOF)
}
