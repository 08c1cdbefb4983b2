package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketsteps/internal/steps"
)

type Metrics struct {
	stepsTotal        *prometheus.CounterVec
	sequencesTotal    *prometheus.CounterVec
	confirmationDelay prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg. A nil reg gives
// collectors that are counted but never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	stepsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsteps_steps_total",
		Help: "Executed steps by kind and outcome",
	}, []string{"kind", "status"})

	sequences := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsteps_sequences_total",
		Help: "Executed step sequences by outcome",
	}, []string{"status"})

	confirmation := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketsteps_confirmation_seconds",
		Help:    "Time from broadcast to observed receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120, 180},
	})

	if reg != nil {
		reg.MustRegister(stepsTotal, sequences, confirmation)
	}
	return &Metrics{
		stepsTotal:        stepsTotal,
		sequencesTotal:    sequences,
		confirmationDelay: confirmation,
	}
}

func (m *Metrics) incStep(kind steps.Kind, err error) {
	m.stepsTotal.WithLabelValues(string(kind), string(steps.ClassOf(err))).Inc()
}

func (m *Metrics) incSequence(err error) {
	m.sequencesTotal.WithLabelValues(string(steps.ClassOf(err))).Inc()
}

func (m *Metrics) observeConfirmation(d time.Duration) {
	m.confirmationDelay.Observe(d.Seconds())
}
