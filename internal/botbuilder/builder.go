// Package botbuilder constructs and wires every runtime component from config.
package botbuilder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/broadcast"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/park285/Cheese-lichess-bot/internal/chess/openingbook"
	"github.com/park285/Cheese-lichess-bot/internal/config"
	"github.com/park285/Cheese-lichess-bot/internal/game"
	"github.com/park285/Cheese-lichess-bot/internal/httpapi"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/internal/orchestrator"
	"github.com/park285/Cheese-lichess-bot/internal/queue"
	"github.com/park285/Cheese-lichess-bot/internal/schedule"
	"github.com/park285/Cheese-lichess-bot/internal/statebus"
	"go.uber.org/zap"
)

type Deps struct {
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Messages     *msgcat.Catalog
	Client       *lichess.Client
	Queue        *queue.Queue
	Broadcaster  *broadcast.Broadcaster
	Scheduler    *schedule.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Evaluator    chess.Evaluator
	Bus          *statebus.Bus // nil without REDIS_URL
	Handler      http.Handler

	closers []func() error
}

func New(cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Logger: logger, Metrics: metrics.NewCollector()}

	messages, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Messages = messages

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// Evaluator: engine when a binary is configured, random legal moves otherwise.
	if strings.TrimSpace(cfg.StockfishPath) != "" {
		engine, err := chess.NewEngine(cfg.StockfishPath, logger.Named("engine"))
		if err != nil {
			return nil, fmt.Errorf("init engine: %w", err)
		}
		engine.SetRandomSeed(seed)
		d.Evaluator = engine
		d.closers = append(d.closers, engine.Close)
	} else {
		logger.Warn("engine_disabled", zap.String("reason", "STOCKFISH_PATH not set"))
		d.Evaluator = chess.NewRandomEvaluator(seed)
	}
	if cfg.OpeningBookPath != "" {
		book, err := openingbook.LoadFromPath(cfg.OpeningBookPath, cfg.OpeningMaxPly, seed)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Evaluator = &openingbook.Evaluator{Book: book, Next: d.Evaluator, Logger: logger.Named("book")}
	}

	d.Client = lichess.NewClient(cfg.LichessBaseURL, cfg.LichessToken, clientOptions(cfg, logger, d.Metrics)...)

	settle := time.Duration(cfg.QueueSettleMS) * time.Millisecond
	if settle == 0 {
		settle = -1
	}
	d.Queue = queue.New(queue.Config{
		DefaultCooldown: time.Duration(cfg.RateLimitDefaultSec) * time.Second,
		SettleDelay:     settle,
	}, queue.WithLogger(logger.Named("queue")), queue.WithMetrics(d.Metrics))

	d.Broadcaster = broadcast.New(logger.Named("broadcast"), d.Metrics)
	d.closers = append(d.closers, func() error { d.Broadcaster.Close(); return nil })

	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err := statebus.New(cfg.RedisURL, logger.Named("statebus"))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("init state bus: %w", err)
		}
		d.Bus = bus
		d.Broadcaster.Subscribe(bus.Observer())
		d.closers = append(d.closers, bus.Close)
	}

	d.Scheduler = schedule.New(schedule.Config{
		StartHour:     cfg.PlayStartHour,
		EndHour:       cfg.PlayEndHour,
		Location:      loc,
		MaxSession:    cfg.MaxSession(),
		MaxGames:      cfg.MaxSessionGames,
		BreakLength:   time.Duration(cfg.BreakMinutes) * time.Minute,
		BreakInterval: time.Duration(cfg.BreakCheckMin) * time.Minute,
	}, d.Broadcaster, messages, d.Metrics, logger.Named("schedule"))

	earlyMin, earlyMax := cfg.ThinkEarly()
	lateMin, lateMax := cfg.ThinkLate()
	timing := game.Timing{EarlyMin: earlyMin, EarlyMax: earlyMax, LateMin: lateMin, LateMax: lateMax}
	transport := game.NewTransport(d.Client)
	sessionRand := rand.New(rand.NewSource(seed + 1))

	newSession := func(info game.Info) orchestrator.SessionRunner {
		return game.NewSession(info, game.Deps{
			Transport: transport,
			Queue:     d.Queue,
			Evaluator: d.Evaluator,
			Publisher: d.Broadcaster,
			Messages:  messages,
			Metrics:   d.Metrics,
			Logger:    logger.Named("game"),
			Timing:    timing,
			PerfKey:   cfg.PerfKey,
			Rand:      rand.New(rand.NewSource(sessionRand.Int63())),
		})
	}

	postMin, postMax := cfg.PostGame()
	d.Orchestrator = orchestrator.New(orchestrator.Config{
		Seek: lichess.SeekRequest{
			TimeMinutes:      cfg.SeekTimeMinutes,
			IncrementSeconds: cfg.SeekIncrementSeconds,
			Rated:            cfg.SeekRated,
			Color:            cfg.SeekColor,
		},
		AcceptChallenges: cfg.AcceptChallenges,
		PostGameMin:      postMin,
		PostGameMax:      postMax,
		RestartDelay:     time.Duration(cfg.RestartDelaySec) * time.Second,
	}, orchestrator.Deps{
		Server:      orchestrator.NewServer(d.Client),
		Queue:       d.Queue,
		Scheduler:   d.Scheduler,
		Broadcaster: d.Broadcaster,
		NewSession:  newSession,
		Messages:    messages,
		Metrics:     d.Metrics,
		Logger:      logger,
		Rand:        rand.New(rand.NewSource(seed + 2)),
	})

	d.Handler = httpapi.NewMux(d.Orchestrator, httpapi.Options{
		Metrics:        d.Metrics.Handler(),
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	return d, nil
}

// Run drives the request queue and the orchestrator until ctx is done.
func (d *Deps) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	qdone := make(chan error, 1)
	go func() { qdone <- d.Queue.Run(ctx) }()

	err := d.Orchestrator.Start(ctx)
	cancel()
	<-qdone
	return err
}

// Close releases resources in reverse construction order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// clientOptions maps config onto the lichess client. Zero values keep the
// client's own defaults.
func clientOptions(cfg *config.AppConfig, logger *zap.Logger, m *metrics.Collector) []lichess.Option {
	opts := []lichess.Option{
		lichess.WithLogger(logger.Named("lichess")),
		lichess.WithSkipHook(m.RecordSkippedRecord),
	}
	if cfg.LichessChatPath != "" {
		opts = append(opts, lichess.WithChatPath(cfg.LichessChatPath))
	}
	if ua := cfg.LichessUserAgent; ua != "" {
		opts = append(opts, lichess.WithHeaderProvider(func() map[string]string {
			return map[string]string{"User-Agent": ua}
		}))
	}
	if cfg.LichessTimeoutSec > 0 {
		timeout := time.Duration(cfg.LichessTimeoutSec) * time.Second
		opts = append(opts,
			lichess.WithTimeout(timeout),
			// Streams stay open for hours; only the wait for headers is bounded.
			lichess.WithStreamClient(&http.Client{Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
			}}),
		)
	}
	if cfg.SeekTimeoutSec > 0 {
		opts = append(opts, lichess.WithSeekTimeout(time.Duration(cfg.SeekTimeoutSec)*time.Second))
	}
	if cfg.LichessRetry > 0 {
		opts = append(opts, lichess.WithRetry(cfg.LichessRetry))
	}
	if cfg.LichessMaxConns > 0 {
		opts = append(opts, lichess.WithMaxConnsPerHost(cfg.LichessMaxConns))
	}
	return opts
}
