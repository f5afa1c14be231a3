package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the authentication gate.
type Metrics struct {
	// Gate outcomes: pass, challenge, denied, error
	Outcomes *prometheus.CounterVec

	// Token exchange failures by class: no_code, denied, protocol, transport
	ExchangeFailures *prometheus.CounterVec

	// Sessions established through the callback path
	SessionsCreated prometheus.Counter

	// Token exchange round-trip latency
	ExchangeLatency prometheus.Histogram
}

// NewMetrics registers all gateway metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_outcomes_total",
			Help: "Authentication gate outcomes by decision",
		}, []string{"outcome"}),

		ExchangeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_exchange_failures_total",
			Help: "Token exchange failures by class",
		}, []string{"class"}),

		SessionsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_created_total",
			Help: "Sessions established after a successful token exchange",
		}),

		ExchangeLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_exchange_duration_seconds",
			Help:    "Duration of token exchange round trips to the IDP",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// IncOutcome records a gate decision.
func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

// IncExchangeFailure records a failed token exchange.
func (m *Metrics) IncExchangeFailure(class string) {
	if m != nil {
		m.ExchangeFailures.WithLabelValues(class).Inc()
	}
}

// IncSessionCreated records an established session.
func (m *Metrics) IncSessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

// ObserveExchangeLatency records the duration of one exchange round trip.
func (m *Metrics) ObserveExchangeLatency(d time.Duration) {
	if m != nil {
		m.ExchangeLatency.Observe(d.Seconds())
	}
}
