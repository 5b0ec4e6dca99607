package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cycles_total",
			Help: "Total number of scheduling cycles run",
		},
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_cycle_duration_seconds",
			Help:    "Scheduling cycle duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_dispatches_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of work items waiting in the queue",
		},
	)
	ProcessingItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_processing_items",
			Help: "Number of work items with a dispatch in flight",
		},
	)
	InFlightWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_inflight_workers",
			Help: "Number of workers currently executing (ledger global)",
		},
	)
	PendingRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_pending_retries",
			Help: "Number of retry contexts waiting for their wake time",
		},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_retries_scheduled_total",
			Help: "Total number of retries scheduled by error category",
		},
		[]string{"category"},
	)
	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_escalations_total",
			Help: "Total number of work items escalated after retry exhaustion",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all orchestrator metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CyclesTotal)
		prometheus.MustRegister(CycleDuration)
		prometheus.MustRegister(DispatchesTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(ProcessingItems)
		prometheus.MustRegister(InFlightWorkers)
		prometheus.MustRegister(PendingRetries)
		prometheus.MustRegister(RetriesScheduledTotal)
		prometheus.MustRegister(EscalationsTotal)
	})
}

// ObserveCycle records one completed scheduling cycle.
func ObserveCycle(d time.Duration) {
	CyclesTotal.Inc()
	CycleDuration.Observe(d.Seconds())
}

// RecordDispatch counts a dispatch attempt by outcome
// (dispatched, requeued, success, error, cancelled).
func RecordDispatch(outcome string) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetryScheduled counts a scheduled retry by category.
func RecordRetryScheduled(category string) {
	RetriesScheduledTotal.WithLabelValues(category).Inc()
}

// RecordEscalation counts a permanent failure.
func RecordEscalation() {
	EscalationsTotal.Inc()
}

// SetSchedulerGauges refreshes the point-in-time gauges after a cycle.
func SetSchedulerGauges(queueDepth, processing, inFlight, pendingRetries int) {
	QueueDepth.Set(float64(queueDepth))
	ProcessingItems.Set(float64(processing))
	InFlightWorkers.Set(float64(inFlight))
	PendingRetries.Set(float64(pendingRetries))
}
