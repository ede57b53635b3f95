package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "identity"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	tokensIssued     *prometheus.CounterVec
	refreshRotations *prometheus.CounterVec
	blacklisted      prometheus.Counter
	keyEvents        *prometheus.CounterVec
	logins           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens minted, by kind.",
		}, []string{"kind"}),
		refreshRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Refresh token rotation attempts, by outcome.",
		}, []string{"outcome"}),
		blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_tokens_blacklisted_total",
			Help:      "Access tokens added to the revocation registry.",
		}),
		keyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_events_total",
			Help:      "Signing key lifecycle events.",
		}, []string{"event"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.tokensIssued, m.refreshRotations, m.blacklisted, m.keyEvents, m.logins)
	return m
}

func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) RefreshRotation(outcome string) {
	if m == nil {
		return
	}
	m.refreshRotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AccessTokenBlacklisted() {
	if m == nil {
		return
	}
	m.blacklisted.Inc()
}

func (m *Metrics) KeyEvent(event string) {
	if m == nil {
		return
	}
	m.keyEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}
