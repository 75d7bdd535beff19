package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	SchedulerTicks   *prometheus.CounterVec
	JobsEnqueued     prometheus.Counter
	JobsProcessed    *prometheus.CounterVec
	SendAttempts     *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
	QuotaRejections  prometheus.Counter
	ConsumerRestarts *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	RolloverAccounts prometheus.Counter
	PlacementChecks  *prometheus.CounterVec
}

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		SchedulerTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "warmup_scheduler_ticks_total",
			Help: "Scheduler ticks by result",
		}, []string{"result"}),
		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warmup_jobs_enqueued_total",
			Help: "Exchange jobs handed to the queue",
		}),
		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "warmup_jobs_processed_total",
			Help: "Exchange jobs finished by terminal status and reason",
		}, []string{"status", "reason"}),
		SendAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "warmup_send_attempts_total",
			Help: "Transport send attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		SendDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warmup_send_duration_seconds",
			Help:    "Duration of a single transport send",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warmup_quota_rejections_total",
			Help: "Jobs dropped because the sender had no quota left",
		}),
		ConsumerRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "warmup_consumer_restarts_total",
			Help: "Supervised loop restarts by loop name",
		}, []string{"loop"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "warmup_queue_depth",
			Help: "Messages waiting in the exchange queue",
		}),
		RolloverAccounts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warmup_rollover_accounts_total",
			Help: "Accounts whose daily counter was reset",
		}),
		PlacementChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "warmup_placement_checks_total",
			Help: "Inbox placement checks by result",
		}, []string{"result"}),
	}
}
