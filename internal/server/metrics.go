package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	actionsTotal     *prometheus.CounterVec
	generateAttempts *prometheus.CounterVec
	pendingDepth     prometheus.Gauge
}

// newMetricsRegistry registers the API collectors on r, creating a registry
// when r is nil. Sharing r with the engine exposes both on one endpoint.
func newMetricsRegistry(r *prometheus.Registry) *metricsRegistry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsteps_actions_total",
		Help: "Action requests by intent and outcome",
	}, []string{"intent", "status"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsteps_generate_attempts_total",
		Help: "Step generation attempts against the order-construction service",
	}, []string{"result"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketsteps_pending_confirmations",
		Help: "Runs whose transaction was broadcast but never observed as confirmed",
	})

	if r == nil {
		r = prometheus.NewRegistry()
	}
	r.MustRegister(actions, attempts, pending)

	return &metricsRegistry{
		registry:         r,
		actionsTotal:     actions,
		generateAttempts: attempts,
		pendingDepth:     pending,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incAction(intent, status string) {
	m.actionsTotal.WithLabelValues(intent, status).Inc()
}

func (m *metricsRegistry) incGenerate(result string) {
	m.generateAttempts.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setPendingDepth(depth int) {
	m.pendingDepth.Set(float64(depth))
}
