package idp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// Requests counts upstream calls.
	// Labels:
	//   - op: "exchange", "user", "revoke"
	//   - outcome: "ok" or an autherr kind name
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_requests_total",
			Help: "Total number of identity provider requests",
		},
		[]string{"op", "outcome"},
	)

	// RequestDuration measures upstream latency, including calls rejected by
	// the circuit breaker.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idp_request_duration_seconds",
			Help:    "Duration of identity provider requests in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// CircuitState is 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "idp_circuit_breaker_state",
			Help: "Identity provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
