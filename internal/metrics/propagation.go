package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mssante"

// Propagation counts and times secondary steps (MTA and directory calls).
// It satisfies the propagator's step observer.
type Propagation struct {
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPropagation creates the collectors and registers them on reg.
func NewPropagation(reg prometheus.Registerer) (*Propagation, error) {
	p := &Propagation{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_steps_total",
			Help:      "Secondary propagation steps by target, operation and outcome",
		}, []string{"target", "operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propagation_step_duration_seconds",
			Help:      "Duration of secondary propagation steps",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"target", "operation"}),
	}
	for _, c := range []prometheus.Collector{p.steps, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Propagation) ObserveStep(target, operation, status string, d time.Duration) {
	p.steps.WithLabelValues(target, operation, status).Inc()
	p.duration.WithLabelValues(target, operation).Observe(d.Seconds())
}
