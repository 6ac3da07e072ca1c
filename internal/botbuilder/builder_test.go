package botbuilder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/park285/Cheese-lichess-bot/internal/config"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.AppConfig {
	return &config.AppConfig{
		LichessToken:        "lip_test",
		LichessBaseURL:      "http://127.0.0.1:1",
		PerfKey:             "blitz",
		SeekTimeMinutes:     3,
		SeekColor:           "random",
		PlayStartHour:       0,
		PlayEndHour:         0,
		BreakMinutes:        30,
		RestartDelaySec:     1,
		RateLimitDefaultSec: 60,
		RandomSeed:          7,
	}
}

func TestNewWithoutEngineUsesRandomEvaluator(t *testing.T) {
	d, err := New(baseConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	assert.IsType(t, &chess.RandomEvaluator{}, d.Evaluator)
	assert.Nil(t, d.Bus)
	require.NotNil(t, d.Orchestrator)

	srv := httptest.NewServer(d.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientUsesConfiguredChatPathAndUserAgent(t *testing.T) {
	type seen struct{ path, ua string }
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{path: r.URL.Path, ua: r.Header.Get("User-Agent")}
		w.Header().Set("Content-Type", "application/x-ndjson")
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.LichessBaseURL = srv.URL
	cfg.LichessChatPath = "/api/board/game/%s/chat"
	cfg.LichessUserAgent = "cheese-test"
	cfg.LichessTimeoutSec = 2
	cfg.SeekTimeoutSec = 30
	cfg.LichessRetry = 1
	cfg.LichessMaxConns = 2
	d, err := New(cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	st, err := d.Client.StreamChat(context.Background(), "g9")
	require.NoError(t, err)
	defer st.Close()

	req := <-got
	assert.Equal(t, "/api/board/game/g9/chat", req.path)
	assert.Equal(t, "cheese-test", req.ua)
}

func TestNewRejectsMissingEngineBinary(t *testing.T) {
	cfg := baseConfig()
	cfg.StockfishPath = "/nonexistent/stockfish"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestStatesReachRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := baseConfig()
	cfg.RedisURL = fmt.Sprintf("redis://%s/0", mr.Addr())
	d, err := New(cfg, nil)
	require.NoError(t, err)
	defer d.Close()
	require.NotNil(t, d.Bus)

	d.Broadcaster.Publish(botdto.PublicState{Status: botdto.StatusSeeking, Message: "Looking for a game."})

	require.Eventually(t, func() bool {
		s, err := d.Bus.Latest(context.Background())
		return err == nil && s != nil && s.Status == botdto.StatusSeeking
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	d, err := New(baseConfig(), nil)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, ok := d.Orchestrator.CurrentState()
	require.True(t, ok)
	assert.Equal(t, botdto.StatusError, st.Status)
}

func TestMissingOpeningBookFails(t *testing.T) {
	cfg := baseConfig()
	cfg.OpeningBookPath = "/nonexistent/book.bin"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
