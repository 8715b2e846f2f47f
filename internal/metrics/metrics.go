// Package metrics exposes the charge outcome counters consumed by Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels the terminal state of a charge request.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeIdempotentHit       Outcome = "idempotent_hit"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeFailed              Outcome = "failed"
)

// Recorder receives one event per terminal charge outcome. Implementations
// must never fail the request they observe.
type Recorder interface {
	Record(outcome Outcome, elapsed time.Duration)
}

// Prometheus records charge outcomes as a labeled counter plus a latency
// histogram.
type Prometheus struct {
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// New registers the charge metrics with reg and returns the recorder.
func New(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_requests_total",
			Help: "Total number of charge requests by outcome",
		}, []string{"status"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "charge_request_latency_seconds",
			Help:    "Charge request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),
	}
}

// Record counts the outcome and observes the elapsed duration.
func (p *Prometheus) Record(outcome Outcome, elapsed time.Duration) {
	p.requests.WithLabelValues(string(outcome)).Inc()
	p.latency.Observe(elapsed.Seconds())
}
