package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Logout reasons.
const (
	LogoutUser          = "user"
	LogoutIdle          = "idle"
	LogoutRefreshFailed = "refresh_failed"
	LogoutBootstrap     = "bootstrap_failed"
)

// Metrics counts session lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	refresh   *prometheus.CounterVec
	logout    *prometheus.CounterVec
	bootstrap *prometheus.CounterVec
	retry     prometheus.Counter
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirsession",
			Name:      "refresh_total",
			Help:      "Token refresh network calls by result.",
		}, []string{"result"}),
		logout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirsession",
			Name:      "logout_total",
			Help:      "Session logouts by reason.",
		}, []string{"reason"}),
		bootstrap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirsession",
			Name:      "bootstrap_total",
			Help:      "Bootstrap validations by outcome.",
		}, []string{"result"}),
		retry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dirsession",
			Name:      "request_retry_total",
			Help:      "Requests resent after a token refresh.",
		}),
	}

	reg.MustRegister(m.refresh, m.logout, m.bootstrap, m.retry)
	return m
}

func (m *Metrics) RecordRefresh(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.refresh.WithLabelValues("success").Inc()
		return
	}
	m.refresh.WithLabelValues("failure").Inc()
}

func (m *Metrics) RecordLogout(reason string) {
	if m == nil {
		return
	}
	m.logout.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBootstrap(result string) {
	if m == nil {
		return
	}
	m.bootstrap.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retry.Inc()
}

// RefreshCount returns the number of refresh calls with the given result.
func (m *Metrics) RefreshCount(result string) float64 {
	return counterValue(m.refresh.WithLabelValues(result))
}

func (m *Metrics) LogoutCount(reason string) float64 {
	return counterValue(m.logout.WithLabelValues(reason))
}

func (m *Metrics) BootstrapCount(result string) float64 {
	return counterValue(m.bootstrap.WithLabelValues(result))
}

func (m *Metrics) RetryCount() float64 {
	return counterValue(m.retry)
}
