package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/Cheese-lichess-bot/internal/botbuilder"
	appcfg "github.com/park285/Cheese-lichess-bot/internal/config"
	"github.com/park285/Cheese-lichess-bot/internal/httpapi"
	"github.com/park285/Cheese-lichess-bot/internal/obslog"
	"go.uber.org/zap"
)

func main() {
	// Local development convenience; production uses the real environment.
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	deps, err := botbuilder.New(cfg, logger)
	if err != nil {
		logger.Fatal("init_error", zap.Error(err))
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := httpapi.NewServer(cfg.HTTPAddr, deps.Handler)
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("bot_start",
		zap.String("lichess", cfg.LichessBaseURL),
		zap.Bool("engine", cfg.StockfishPath != ""),
		zap.Bool("redis", cfg.RedisURL != ""),
	)
	if err := deps.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot_stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("bot_exit")
}
