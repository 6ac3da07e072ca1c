package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	LichessToken   string
	LichessBaseURL string
	// LichessChatPath is the printf-style path of the per-game chat stream.
	// Bot accounts receive chatLine records on the game stream itself.
	LichessChatPath   string
	LichessUserAgent  string
	LichessTimeoutSec int
	LichessRetry      int
	LichessMaxConns   int
	SeekTimeoutSec    int

	HTTPAddr       string
	RedisURL       string
	MessagesDir    string
	AllowedOrigins []string

	StockfishPath   string
	OpeningBookPath string
	OpeningMaxPly   int
	RandomSeed      int64
	PerfKey         string

	SeekTimeMinutes      int
	SeekIncrementSeconds int
	SeekRated            bool
	SeekColor            string
	AcceptChallenges     bool

	PlayStartHour   int
	PlayEndHour     int
	PlayTimezone    string
	MaxSessionHours float64
	MaxSessionGames int
	BreakMinutes    int
	BreakCheckMin   int

	ThinkEarlyMinMS int
	ThinkEarlyMaxMS int
	ThinkLateMinMS  int
	ThinkLateMaxMS  int
	PostGameMinMS   int
	PostGameMaxMS   int

	RestartDelaySec     int
	RateLimitDefaultSec int
	QueueSettleMS       int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		LichessBaseURL:       "https://lichess.org",
		LichessChatPath:      "/api/bot/game/stream/%s",
		LichessUserAgent:     "Cheese-lichess-bot",
		LichessTimeoutSec:    10,
		LichessRetry:         3,
		LichessMaxConns:      16,
		SeekTimeoutSec:       300,
		HTTPAddr:             ":8080",
		PerfKey:              "blitz",
		OpeningMaxPly:        12,
		SeekTimeMinutes:      3,
		SeekIncrementSeconds: 2,
		SeekRated:            true,
		SeekColor:            "random",
		PlayStartHour:        9,
		PlayEndHour:          23,
		MaxSessionHours:      2,
		MaxSessionGames:      8,
		BreakMinutes:         30,
		BreakCheckMin:        5,
		ThinkEarlyMinMS:      300,
		ThinkEarlyMaxMS:      1500,
		ThinkLateMinMS:       1000,
		ThinkLateMaxMS:       4000,
		PostGameMinMS:        5000,
		PostGameMaxMS:        20000,
		RestartDelaySec:      10,
		RateLimitDefaultSec:  60,
		QueueSettleMS:        300,
	}

	cfg.LichessToken = strings.TrimSpace(os.Getenv("LICHESS_TOKEN"))
	if v := strings.TrimSpace(os.Getenv("LICHESS_BASE_URL")); v != "" {
		cfg.LichessBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("LICHESS_CHAT_PATH")); v != "" {
		cfg.LichessChatPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LICHESS_USER_AGENT")); v != "" {
		cfg.LichessUserAgent = v
	}
	cfg.LichessTimeoutSec = envInt("LICHESS_TIMEOUT_SEC", cfg.LichessTimeoutSec, 1)
	cfg.LichessRetry = envInt("LICHESS_RETRY", cfg.LichessRetry, 0)
	cfg.LichessMaxConns = envInt("LICHESS_MAX_CONNS", cfg.LichessMaxConns, 1)
	cfg.SeekTimeoutSec = envInt("SEEK_TIMEOUT_SEC", cfg.SeekTimeoutSec, 1)
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))

	cfg.StockfishPath = strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	cfg.OpeningBookPath = strings.TrimSpace(os.Getenv("OPENING_BOOK_PATH"))
	cfg.OpeningMaxPly = envInt("OPENING_MAX_PLY", cfg.OpeningMaxPly, 1)
	if v := strings.TrimSpace(os.Getenv("RANDOM_SEED")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RandomSeed = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("PERF_KEY")); v != "" {
		cfg.PerfKey = strings.ToLower(v)
	}

	cfg.SeekTimeMinutes = envInt("SEEK_TIME_MINUTES", cfg.SeekTimeMinutes, 1)
	cfg.SeekIncrementSeconds = envInt("SEEK_INCREMENT_SECONDS", cfg.SeekIncrementSeconds, 0)
	cfg.SeekRated = envBool("SEEK_RATED", cfg.SeekRated)
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("SEEK_COLOR"))); v != "" {
		cfg.SeekColor = v
	}
	cfg.AcceptChallenges = envBool("ACCEPT_CHALLENGES", cfg.AcceptChallenges)

	cfg.PlayStartHour = envInt("PLAY_START_HOUR", cfg.PlayStartHour, 0)
	cfg.PlayEndHour = envInt("PLAY_END_HOUR", cfg.PlayEndHour, 0)
	cfg.PlayTimezone = strings.TrimSpace(os.Getenv("PLAY_TIMEZONE"))
	if v := strings.TrimSpace(os.Getenv("MAX_SESSION_HOURS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.MaxSessionHours = f
		}
	}
	cfg.MaxSessionGames = envInt("MAX_SESSION_GAMES", cfg.MaxSessionGames, 0)
	cfg.BreakMinutes = envInt("BREAK_MINUTES", cfg.BreakMinutes, 0)
	cfg.BreakCheckMin = envInt("BREAK_CHECK_MINUTES", cfg.BreakCheckMin, 0)

	cfg.ThinkEarlyMinMS = envInt("THINK_EARLY_MIN_MS", cfg.ThinkEarlyMinMS, 0)
	cfg.ThinkEarlyMaxMS = envInt("THINK_EARLY_MAX_MS", cfg.ThinkEarlyMaxMS, 0)
	cfg.ThinkLateMinMS = envInt("THINK_LATE_MIN_MS", cfg.ThinkLateMinMS, 0)
	cfg.ThinkLateMaxMS = envInt("THINK_LATE_MAX_MS", cfg.ThinkLateMaxMS, 0)
	cfg.PostGameMinMS = envInt("POST_GAME_MIN_MS", cfg.PostGameMinMS, 0)
	cfg.PostGameMaxMS = envInt("POST_GAME_MAX_MS", cfg.PostGameMaxMS, 0)

	cfg.RestartDelaySec = envInt("RESTART_DELAY_SEC", cfg.RestartDelaySec, 1)
	cfg.RateLimitDefaultSec = envInt("RATE_LIMIT_DEFAULT_SEC", cfg.RateLimitDefaultSec, 1)
	cfg.QueueSettleMS = envInt("QUEUE_SETTLE_MS", cfg.QueueSettleMS, 0)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.LichessToken == "" {
		return errors.New("LICHESS_TOKEN is required")
	}
	if c.PlayStartHour > 23 || c.PlayEndHour > 23 {
		return fmt.Errorf("play hours must be within 0-23 (got %d-%d)", c.PlayStartHour, c.PlayEndHour)
	}
	switch c.SeekColor {
	case "random", "white", "black":
	default:
		return fmt.Errorf("SEEK_COLOR must be random, white or black (got %q)", c.SeekColor)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.Count(c.LichessChatPath, "%s") != 1 {
		return errors.New("LICHESS_CHAT_PATH must contain exactly one %s")
	}
	if c.ThinkEarlyMaxMS < c.ThinkEarlyMinMS || c.ThinkLateMaxMS < c.ThinkLateMinMS || c.PostGameMaxMS < c.PostGameMinMS {
		return errors.New("delay ranges must have max >= min")
	}
	return nil
}

// Location resolves PLAY_TIMEZONE, defaulting to the process local zone.
func (c *AppConfig) Location() (*time.Location, error) {
	if c.PlayTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.PlayTimezone)
	if err != nil {
		return nil, fmt.Errorf("PLAY_TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c *AppConfig) MaxSession() time.Duration {
	return time.Duration(c.MaxSessionHours * float64(time.Hour))
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *AppConfig) ThinkEarly() (time.Duration, time.Duration) {
	return ms(c.ThinkEarlyMinMS), ms(c.ThinkEarlyMaxMS)
}

func (c *AppConfig) ThinkLate() (time.Duration, time.Duration) {
	return ms(c.ThinkLateMinMS), ms(c.ThinkLateMaxMS)
}

func (c *AppConfig) PostGame() (time.Duration, time.Duration) {
	return ms(c.PostGameMinMS), ms(c.PostGameMaxMS)
}

// envInt returns def when the variable is unset, malformed or below min.
func envInt(key string, def, min int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
