// Package httpapi exposes the bot's public state over HTTP, SSE and websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/broadcast"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	observerBuffer = 8
	wsWriteTimeout = 5 * time.Second
	keepAlive      = 25 * time.Second
)

// Source is the read side of the state broadcaster.
type Source interface {
	CurrentState() (botdto.PublicState, bool)
	Subscribe(fn broadcast.Observer) int
	Unsubscribe(id int)
}

type Options struct {
	Metrics        http.Handler
	OriginPatterns []string
	Logger         *zap.Logger
}

type handlers struct {
	src     Source
	origins []string
	logger  *zap.Logger
}

// NewMux wires every route onto a fresh ServeMux.
func NewMux(src Source, opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{src: src, origins: opts.OriginPatterns, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /state", h.state)
	mux.HandleFunc("GET /events", h.events)
	mux.HandleFunc("GET /ws", h.ws)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

// NewServer returns an http.Server for addr with conservative timeouts.
// WriteTimeout stays zero so streaming routes are not cut off.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.src.CurrentState()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.logger.Debug("state_write_failed", zap.Error(err))
	}
}

// follow subscribes with a bounded buffer. A slow client loses the oldest
// pending snapshot, never blocks the broadcaster.
func (h *handlers) follow() (<-chan botdto.PublicState, func()) {
	ch := make(chan botdto.PublicState, observerBuffer)
	id := h.src.Subscribe(func(s botdto.PublicState) {
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	return ch, func() { h.src.Unsubscribe(id) }
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	states, stop := h.follow()
	defer stop()
	ping := time.NewTicker(keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s := <-states:
			raw, err := json.Marshal(s)
			if err != nil {
				h.logger.Warn("sse_encode_failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		h.logger.Debug("ws_accept_failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Reads are discarded; CloseRead keeps control frames flowing.
	ctx := conn.CloseRead(r.Context())
	states, stop := h.follow()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case s := <-states:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, s)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("ws_write_failed", zap.Error(err))
				}
				return
			}
		}
	}
}
