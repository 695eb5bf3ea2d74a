package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docuflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_circuit_breaker_rejections_total",
			Help: "Requests rejected by an open or saturated breaker",
		},
		[]string{"breaker"},
	)
)

// Instrument wires a breaker config's state-change hook into Prometheus.
// Any hook already present is preserved and called after the metric update.
func Instrument(name string, config Config) Config {
	breakerState.WithLabelValues(name).Set(0)
	prev := config.OnStateChange
	config.OnStateChange = func(breaker string, from, to State) {
		breakerState.WithLabelValues(breaker).Set(float64(to))
		breakerTransitions.WithLabelValues(breaker, from.String(), to.String()).Inc()
		if prev != nil {
			prev(breaker, from, to)
		}
	}
	return config
}

// RecordRejection counts a request refused by the breaker.
func RecordRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}
