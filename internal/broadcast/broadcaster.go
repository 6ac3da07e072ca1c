// Package broadcast keeps the latest public bot state and fans it out to observers.
package broadcast

import (
	"sync"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"go.uber.org/zap"
)

const defaultMailbox = 16

// Observer receives published states on its own goroutine.
type Observer func(botdto.PublicState)

type subscriber struct {
	id      int
	fn      Observer
	mailbox chan botdto.PublicState
}

// Broadcaster is last-write-wins: it keeps only the most recent state.
// A slow observer loses its oldest undelivered states; it never stalls
// Publish or other observers.
type Broadcaster struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	mailbox int

	mu      sync.Mutex
	current *botdto.PublicState
	subs    map[int]*subscriber
	nextID  int
	wg      sync.WaitGroup
}

type Option func(*Broadcaster)

func WithMailbox(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.mailbox = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

func New(logger *zap.Logger, m *metrics.Collector, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		logger:  logger,
		metrics: m,
		now:     time.Now,
		mailbox: defaultMailbox,
		subs:    make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish replaces the current state and queues it for every observer.
func (b *Broadcaster) Publish(s botdto.PublicState) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = b.now()
	}
	stored := s.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = &stored
	for _, sub := range b.subs {
		b.offer(sub, s.Clone())
	}
}

// Current returns a copy of the latest state, false before the first Publish.
func (b *Broadcaster) Current() (botdto.PublicState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return botdto.PublicState{}, false
	}
	return b.current.Clone(), true
}

// Subscribe registers fn and immediately queues the current state, if any.
func (b *Broadcaster) Subscribe(fn Observer) int {
	if fn == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, fn: fn, mailbox: make(chan botdto.PublicState, b.mailbox)}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	go b.deliver(sub)

	if b.current != nil {
		b.offer(sub, b.current.Clone())
	}
	return sub.id
}

// Unsubscribe stops delivery to id. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.mailbox)
	}
	b.mu.Unlock()
}

// Close detaches every observer and waits for in-progress deliveries.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.mailbox)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// offer must run with b.mu held so mailboxes see states in publish order.
func (b *Broadcaster) offer(sub *subscriber, s botdto.PublicState) {
	select {
	case sub.mailbox <- s:
		return
	default:
	}
	select {
	case <-sub.mailbox:
	default:
	}
	b.metrics.RecordObserverDrop()
	select {
	case sub.mailbox <- s:
	default:
	}
}

func (b *Broadcaster) deliver(sub *subscriber) {
	defer b.wg.Done()
	for s := range sub.mailbox {
		b.invoke(sub, s)
	}
}

func (b *Broadcaster) invoke(sub *subscriber, s botdto.PublicState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer_panic", zap.Int("observer", sub.id), zap.Any("panic", r))
		}
	}()
	sub.fn(s)
}
