package hwlicense

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a Manager.
// A nil *Metrics records nothing.
type Metrics struct {
	registrations     *prometheus.CounterVec
	validations       *prometheus.CounterVec
	integrityFailures prometheus.Counter
	vouchers          *prometheus.CounterVec
}

// NewMetrics creates the license collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwlicense",
			Name:      "registrations_total",
			Help:      "License registrations by outcome.",
		}, []string{"outcome"}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwlicense",
			Name:      "validations_total",
			Help:      "License validations by outcome.",
		}, []string{"outcome"}),
		integrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hwlicense",
			Name:      "integrity_failures_total",
			Help:      "Stored license artifacts that failed signature or decryption checks.",
		}),
		vouchers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwlicense",
			Name:      "voucher_operations_total",
			Help:      "Voucher generation and deactivation by outcome.",
		}, []string{"operation", "outcome"}),
	}
}

// outcome is the metric label for err: "ok" or its lower-cased wire code.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(Code(err))
}

func (m *Metrics) registration(err error) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) validation(err error) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome(err)).Inc()
	if KindOf(err) == KindIntegrity {
		m.integrityFailures.Inc()
	}
}

func (m *Metrics) voucher(op string, err error) {
	if m == nil {
		return
	}
	m.vouchers.WithLabelValues(op, outcome(err)).Inc()
}
