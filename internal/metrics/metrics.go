// Package metrics exposes the bot's Prometheus instruments.
//
// Every method is safe to call on a nil *Collector so components can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	queueActions    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueLatency    *prometheus.HistogramVec
	rateLimitHits   prometheus.Counter
	rateLimitGate   prometheus.Gauge
	gamesStarted    prometheus.Counter
	gamesFinished   *prometheus.CounterVec
	recordsSkipped  prometheus.Counter
	moveFallbacks   prometheus.Counter
	sessionGames    prometheus.Gauge
	loopRestarts    prometheus.Counter
	observerDropped prometheus.Counter
}

// NewCollector registers all instruments on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_queue_actions_total",
			Help: "Write actions executed by the request queue, by kind and result.",
		}, []string{"kind", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_queue_depth",
			Help: "Actions waiting in the request queue.",
		}),
		queueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bot_queue_action_seconds",
			Help:    "Time spent executing a queued action.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_rate_limit_hits_total",
			Help: "Rate-limit responses received from the server.",
		}),
		rateLimitGate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_rate_limit_blocked",
			Help: "1 while the cool-down gate blocks writes.",
		}),
		gamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_games_started_total",
			Help: "Game sessions started.",
		}),
		gamesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_games_finished_total",
			Help: "Game sessions ended, by reason.",
		}, []string{"reason"}),
		recordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_stream_records_skipped_total",
			Help: "Malformed NDJSON lines dropped.",
		}),
		moveFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_move_fallbacks_total",
			Help: "Evaluator moves rejected and replaced by the safe fallback.",
		}),
		sessionGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_session_games_played",
			Help: "Games played in the current play session.",
		}),
		loopRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_orchestrator_restarts_total",
			Help: "Orchestration loop restarts after a fatal failure.",
		}),
		observerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_observer_dropped_total",
			Help: "State snapshots dropped for slow observers.",
		}),
	}
	c.registry.MustRegister(
		c.queueActions, c.queueDepth, c.queueLatency,
		c.rateLimitHits, c.rateLimitGate,
		c.gamesStarted, c.gamesFinished,
		c.recordsSkipped, c.moveFallbacks,
		c.sessionGames, c.loopRestarts, c.observerDropped,
	)
	return c
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordAction(kind, result string, seconds float64) {
	if c == nil {
		return
	}
	c.queueActions.WithLabelValues(kind, result).Inc()
	c.queueLatency.WithLabelValues(kind).Observe(seconds)
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) RecordRateLimit() {
	if c == nil {
		return
	}
	c.rateLimitHits.Inc()
}

func (c *Collector) SetGateBlocked(blocked bool) {
	if c == nil {
		return
	}
	if blocked {
		c.rateLimitGate.Set(1)
		return
	}
	c.rateLimitGate.Set(0)
}

func (c *Collector) RecordGameStarted() {
	if c == nil {
		return
	}
	c.gamesStarted.Inc()
}

func (c *Collector) RecordGameFinished(reason string) {
	if c == nil {
		return
	}
	c.gamesFinished.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSkippedRecord() {
	if c == nil {
		return
	}
	c.recordsSkipped.Inc()
}

func (c *Collector) RecordMoveFallback() {
	if c == nil {
		return
	}
	c.moveFallbacks.Inc()
}

func (c *Collector) SetSessionGames(n int) {
	if c == nil {
		return
	}
	c.sessionGames.Set(float64(n))
}

func (c *Collector) RecordRestart() {
	if c == nil {
		return
	}
	c.loopRestarts.Inc()
}

func (c *Collector) RecordObserverDrop() {
	if c == nil {
		return
	}
	c.observerDropped.Inc()
}
