// Package metrics holds the Prometheus instruments of the live coordinator.
// Instruments are registered on a caller-supplied registry so tests can use
// a fresh one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ShotsIngested      *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	RecomputeDuration  prometheus.Histogram
	RecomputeErrors    prometheus.Counter
	ActiveCompetitions prometheus.Gauge
	Subscribers        prometheus.Gauge
	DroppedSubscribers prometheus.Counter
	Published          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ShotsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shootlive_shots_total",
			Help: "Shot submissions by outcome",
		}, []string{"result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shootlive_lifecycle_transitions_total",
			Help: "Lifecycle commands by command and outcome",
		}, []string{"command", "result"}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shootlive_ranking_recompute_seconds",
			Help:    "Time to load shots and rebuild standings",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		RecomputeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "shootlive_ranking_recompute_errors_total",
			Help: "Standings rebuilds that failed to load from the store",
		}),
		ActiveCompetitions: f.NewGauge(prometheus.GaugeOpts{
			Name: "shootlive_active_competitions",
			Help: "Competitions with live in-memory state",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "shootlive_subscribers",
			Help: "Open broadcast subscriptions",
		}),
		DroppedSubscribers: f.NewCounter(prometheus.CounterOpts{
			Name: "shootlive_subscribers_dropped_total",
			Help: "Subscribers dropped because their buffer was full",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shootlive_envelopes_published_total",
			Help: "Envelopes published by type",
		}, []string{"type"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveShot(err error) {
	m.ShotsIngested.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveTransition(command string, err error) {
	m.Transitions.WithLabelValues(command, result(err)).Inc()
}
