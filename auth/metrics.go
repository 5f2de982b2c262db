package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowTotal counts auth flow phases.
	// Labels:
	//   - phase: "login", "callback", "logout", "me", "session"
	//   - outcome: "success", "anonymous" or an autherr kind name
	FlowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_flow_total",
			Help: "Total number of auth flow phases by outcome",
		},
		[]string{"phase", "outcome"},
	)

	// CallbackDuration measures the callback phase, including the token exchange.
	CallbackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_callback_duration_seconds",
			Help:    "Duration of OAuth callback handling in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)
