package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts field outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Fields   *prometheus.CounterVec
	Records  prometheus.Counter
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cutout",
			Subsystem: "pipeline",
			Name:      "fields_total",
			Help:      "Fields handled, by outcome.",
		}, []string{"status"}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cutout",
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Cutout records written by completed fields.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cutout",
			Subsystem: "pipeline",
			Name:      "field_duration_seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
	}
	reg.MustRegister(m.Fields, m.Records, m.Duration)
	return m
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.Fields.WithLabelValues(res.Status).Inc()
	m.Records.Add(float64(res.Records))
	if res.Duration > 0 {
		m.Duration.WithLabelValues(res.Status).Observe(res.Duration.Seconds())
	}
}
