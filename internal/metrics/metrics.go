// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine holds the sync engine's counters. A nil *Engine is valid and records nothing.
type Engine struct {
	reg *prometheus.Registry

	persistAttempts *prometheus.CounterVec
	persistOutcomes *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	turns           *prometheus.CounterVec
	sessions        *prometheus.CounterVec
}

func New() *Engine {
	e := &Engine{
		reg: prometheus.NewRegistry(),
		persistAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "persist_attempts_total",
			Help:      "Message write attempts against the conversation store.",
		}, []string{"sender"}),
		persistOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "persist_outcomes_total",
			Help:      "Final outcome of message writes.",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "sync_runs_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "turns_total",
			Help:      "Agent round trips by kind and result.",
		}, []string{"kind", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "sessions_total",
			Help:      "Session acquisitions and resumptions by result.",
		}, []string{"op", "result"}),
	}
	e.reg.MustRegister(e.persistAttempts, e.persistOutcomes, e.syncRuns, e.turns, e.sessions)
	return e
}

// Handler serves the registry for scraping.
func (e *Engine) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

func (e *Engine) PersistAttempt(sender string) {
	if e != nil {
		e.persistAttempts.WithLabelValues(sender).Inc()
	}
}

// PersistOutcome records "confirmed", "failed" or "stale".
func (e *Engine) PersistOutcome(outcome string) {
	if e != nil {
		e.persistOutcomes.WithLabelValues(outcome).Inc()
	}
}

// SyncRun records "merged", "unchanged", "rejected", "skipped" or "error".
func (e *Engine) SyncRun(result string) {
	if e != nil {
		e.syncRuns.WithLabelValues(result).Inc()
	}
}

// Turn records an agent round trip; kind is "message" or "card".
func (e *Engine) Turn(kind, result string) {
	if e != nil {
		e.turns.WithLabelValues(kind, result).Inc()
	}
}

// Session records "acquire" or "resume" results.
func (e *Engine) Session(op, result string) {
	if e != nil {
		e.sessions.WithLabelValues(op, result).Inc()
	}
}
