// Package metrics provides Prometheus metrics for scheduled jobs and reminders.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Firing results.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultPermanent = "permanent"
	ResultPanic     = "panic"
)

// Metrics holds job and reminder metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	JobFiringsTotal     *prometheus.CounterVec   // Firings by job kind and result
	JobDuration         *prometheus.HistogramVec // Firing latency by job kind
	RemindersSentTotal  *prometheus.CounterVec   // Reminders handed to the sink by result
	HomeworkPurgedTotal prometheus.Counter       // Homework rows removed by the retention sweep
	TriggersActive      prometheus.Gauge         // Live triggers held by the scheduler
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		JobFiringsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homework_job_firings_total",
				Help: "Total number of scheduled job firings by job kind and result",
			},
			[]string{"job", "result"}, // result: success, error, permanent, panic
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "homework_job_duration_seconds",
				Help:    "Time taken by a scheduled job firing",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
			},
			[]string{"job"},
		),
		RemindersSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homework_reminders_sent_total",
				Help: "Total number of reminders handed to the messaging sink by result",
			},
			[]string{"result"},
		),
		HomeworkPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homework_purged_total",
			Help: "Total number of homework items deleted by the retention sweep",
		}),
		TriggersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homework_triggers_active",
			Help: "Number of live triggers held by the scheduler",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.JobFiringsTotal, m.JobDuration, m.RemindersSentTotal, m.HomeworkPurgedTotal, m.TriggersActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// ObserveFiring records one job firing.
func (m *Metrics) ObserveFiring(job, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobFiringsTotal.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ReminderSent records one reminder delivery attempt.
func (m *Metrics) ReminderSent(result string) {
	if m == nil {
		return
	}
	m.RemindersSentTotal.WithLabelValues(result).Inc()
}

// HomeworkPurged adds n deleted homework rows.
func (m *Metrics) HomeworkPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HomeworkPurgedTotal.Add(float64(n))
}

// SetTriggers sets the number of live triggers.
func (m *Metrics) SetTriggers(n int) {
	if m == nil {
		return
	}
	m.TriggersActive.Set(float64(n))
}
