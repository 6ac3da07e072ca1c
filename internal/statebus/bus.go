// Package statebus mirrors published bot states into Redis so other
// processes can read the latest snapshot or follow updates.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/broadcast"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKey     = "bot:state:latest"
	DefaultChannel = "bot:state"
	defaultTTL     = 10 * time.Minute
	writeTimeout   = 2 * time.Second
)

type Bus struct {
	rdb     *redis.Client
	logger  *zap.Logger
	key     string
	channel string
	ttl     time.Duration
}

// New dials redisURL and pings it once.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for state bus")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, logger), nil
}

func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{rdb: rdb, logger: logger, key: DefaultKey, channel: DefaultChannel, ttl: defaultTTL}
}

func (b *Bus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// Publish stores s as the latest snapshot and announces it on the channel.
func (b *Bus) Publish(ctx context.Context, s botdto.PublicState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.key, raw, b.ttl)
		p.Publish(ctx, b.channel, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	return nil
}

// Latest returns the stored snapshot, or nil when none is stored.
func (b *Bus) Latest(ctx context.Context) (*botdto.PublicState, error) {
	raw, err := b.rdb.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s botdto.PublicState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// Observer adapts the bus for broadcast.Subscribe. Write failures are logged.
func (b *Bus) Observer() broadcast.Observer {
	return func(s botdto.PublicState) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := b.Publish(ctx, s); err != nil {
			b.logger.Warn("statebus_publish_failed", zap.String("status", s.Status), zap.Error(err))
		}
	}
}

// Watcher follows states announced on the channel.
type Watcher struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

// Watch subscribes and waits for the server to confirm the subscription.
func (b *Bus) Watch(ctx context.Context) (*Watcher, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &Watcher{sub: sub, ch: sub.Channel()}, nil
}

// Next blocks for the next announced state. Undecodable payloads are skipped.
func (w *Watcher) Next(ctx context.Context) (botdto.PublicState, error) {
	for {
		select {
		case <-ctx.Done():
			return botdto.PublicState{}, ctx.Err()
		case msg, ok := <-w.ch:
			if !ok {
				return botdto.PublicState{}, redis.ErrClosed
			}
			var s botdto.PublicState
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				continue
			}
			return s, nil
		}
	}
}

func (w *Watcher) Close() error { return w.sub.Close() }

// ParseRedisURL accepts redis:// and rediss:// URLs with an optional /db path.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}
