package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusRegisterer narrows the prometheus dependency to what the queue uses.
type prometheusRegisterer = prometheus.Registerer

type instruments struct {
	enqueuedTotal *prometheus.CounterVec
	processed     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

func newInstruments(reg prometheus.Registerer) *instruments {
	inst := &instruments{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_enqueued_total",
			Help: "Tasks enqueued, by type.",
		}, []string{"type"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_processed_total",
			Help: "Tasks processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_retries_total",
			Help: "Task retries scheduled, by type.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_queue_task_duration_seconds",
			Help:    "Handler execution time, by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
	reg.MustRegister(inst.enqueuedTotal, inst.processed, inst.retries, inst.duration)
	return inst
}

func (i *instruments) enqueued(taskType string) {
	if i != nil {
		i.enqueuedTotal.WithLabelValues(taskType).Inc()
	}
}

func (i *instruments) retried(taskType string) {
	if i != nil {
		i.retries.WithLabelValues(taskType).Inc()
	}
}

func (i *instruments) observe(taskType string, ok bool, d time.Duration) {
	if i == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	i.processed.WithLabelValues(taskType, outcome).Inc()
	i.duration.WithLabelValues(taskType).Observe(d.Seconds())
}
