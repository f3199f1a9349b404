package triggering

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus surface: one process-wide gauge for the number
// of actively polling buckets, counters keyed by bucket (and, where useful,
// task type), and a set of gauge funcs registered lazily the first time a
// given bucket is started.
type Metrics struct {
	registry prometheus.Registerer

	pollingBuckets         prometheus.Gauge
	triggersReceived       *prometheus.CounterVec
	commits                *prometheus.CounterVec
	failedCommits          *prometheus.CounterVec
	alreadyCommittedOffset *prometheus.CounterVec
	tasksMarkedError       *prometheus.CounterVec
	failedStatusChange     *prometheus.CounterVec

	mu               sync.Mutex
	registeredBucket map[string]bool
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		registry: registry,
		pollingBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasktriggerer_polling_buckets",
			Help: "Number of buckets currently polling for trigger messages.",
		}),
		triggersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_triggers_received_total",
			Help: "Trigger messages received from Kafka, per bucket.",
		}, []string{"bucket"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_commits_total",
			Help: "Offset commit attempts, per bucket.",
		}, []string{"bucket"}),
		failedCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_failed_commits_total",
			Help: "Offset commit attempts that failed, per bucket.",
		}, []string{"bucket"}),
		alreadyCommittedOffset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_already_committed_offset_total",
			Help: "Completion callbacks for offsets no longer tracked, per bucket.",
		}, []string{"bucket"}),
		tasksMarkedError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_tasks_marked_error_total",
			Help: "Tasks moved to ERROR status because no handler or bucket was found.",
		}, []string{"bucket", "type"}),
		failedStatusChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktriggerer_failed_status_change_total",
			Help: "Status-change calls that did not apply because the task version had moved on.",
		}, []string{"type", "from", "to"}),
		registeredBucket: map[string]bool{},
	}
	registry.MustRegister(
		m.pollingBuckets, m.triggersReceived, m.commits, m.failedCommits,
		m.alreadyCommittedOffset, m.tasksMarkedError, m.failedStatusChange,
	)
	return m
}

// registerBucketGauges wires the four live, per-bucket gauges the first time
// bucketID is seen: offsetsToBeCommitted, offsetsCompleted,
// unprocessedFetchedRecords, and offsets (polled outstanding). The gauges read
// through a supplier rather than holding a *ConsumerBucket: the lifecycle
// recreates the consumer after a crash, and a gauge bound to a dead instance
// would report frozen values forever.
func (m *Metrics) registerBucketGauges(bucketID string, get func() *ConsumerBucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registeredBucket[bucketID] {
		return
	}
	m.registeredBucket[bucketID] = true

	gauge := func(read func(*ConsumerBucket) float64) func() float64 {
		return func() float64 {
			if b := get(); b != nil {
				return read(b)
			}
			return 0
		}
	}

	labels := prometheus.Labels{"bucket": bucketID}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasktriggerer_offsets_to_be_committed",
			Help:        "Offsets currently staged for commit.",
			ConstLabels: labels,
		}, gauge(func(b *ConsumerBucket) float64 { return float64(b.tracker.StagedCount()) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasktriggerer_offsets_completed",
			Help:        "Offsets completed but not yet drained to a commit.",
			ConstLabels: labels,
		}, gauge(func(b *ConsumerBucket) float64 { return float64(b.tracker.Completed()) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasktriggerer_unprocessed_fetched_records",
			Help:        "Records fetched from the last poll that are not yet handed to processing.",
			ConstLabels: labels,
		}, gauge(func(b *ConsumerBucket) float64 { return float64(b.unprocessedFetchedRecords.Load()) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasktriggerer_offsets",
			Help:        "Offsets polled but not yet committed.",
			ConstLabels: labels,
		}, gauge(func(b *ConsumerBucket) float64 { return float64(b.tracker.Outstanding()) })),
	)
}
