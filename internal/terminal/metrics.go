package terminal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all terminals. A nil
// *Metrics records nothing.
type Metrics struct {
	exchanges   *prometheus.CounterVec
	chains      *prometheus.CounterVec
	sessions    *prometheus.GaugeVec
	accessInits *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "se_broker",
			Name:      "apdu_exchanges_total",
			Help:      "APDU exchanges by terminal and result (ok, error, rejected).",
		}, []string{"terminal", "result"}),
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "se_broker",
			Name:      "apdu_response_chains_total",
			Help:      "Responses that needed GET RESPONSE chaining.",
		}, []string{"terminal"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "se_broker",
			Name:      "open_sessions",
			Help:      "Currently open sessions.",
		}, []string{"terminal"}),
		accessInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "se_broker",
			Name:      "access_control_initializations_total",
			Help:      "Access control initializations by result (ok, refused, error).",
		}, []string{"terminal", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.exchanges, m.chains, m.sessions, m.accessInits)
	}
	return m
}

func (m *Metrics) exchanged(terminal, result string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(terminal, result).Inc()
}

func (m *Metrics) chained(terminal string) {
	if m == nil {
		return
	}
	m.chains.WithLabelValues(terminal).Inc()
}

func (m *Metrics) sessionOpened(terminal string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(terminal).Inc()
}

func (m *Metrics) sessionClosed(terminal string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(terminal).Dec()
}

func (m *Metrics) accessInitialized(terminal string, ok bool, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "refused"
	}
	m.accessInits.WithLabelValues(terminal, result).Inc()
}
