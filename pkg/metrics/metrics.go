package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool / lvol metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ionexus_pools_total",
			Help: "Total number of imported or created pools",
		},
	)

	PoolFreeClusters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_pool_free_clusters",
			Help: "Free clusters remaining in a pool",
		},
		[]string{"pool"},
	)

	LvolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_lvols_total",
			Help: "Total number of logical volumes by pool",
		},
		[]string{"pool"},
	)

	// Nexus metrics
	NexusesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_nexuses_total",
			Help: "Total number of nexuses by state",
		},
		[]string{"state"},
	)

	NexusChildrenTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_nexus_children_total",
			Help: "Total number of nexus children by state",
		},
		[]string{"nexus", "state"},
	)

	NexusCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ionexus_nexus_create_duration_seconds",
			Help:    "Time taken to create a nexus in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NexusIODuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ionexus_nexus_io_duration_seconds",
			Help:    "Nexus I/O dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ChildFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ionexus_child_faults_total",
			Help: "Total number of child fault transitions by reason",
		},
		[]string{"reason"},
	)

	// Rebuild metrics
	RebuildJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_rebuild_jobs_total",
			Help: "Total number of rebuild jobs by state",
		},
		[]string{"state"},
	)

	RebuildBlocksTransferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ionexus_rebuild_blocks_transferred",
			Help: "Blocks transferred by the current rebuild job",
		},
		[]string{"job"},
	)

	RebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ionexus_rebuild_duration_seconds",
			Help:    "Time taken for a rebuild job to complete in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Device-monitor metrics
	DeviceMonitorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ionexus_devmon_queue_depth",
			Help: "Pending device-removal commands in the monitor queue",
		},
	)

	DeviceMonitorCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ionexus_devmon_commands_total",
			Help: "Total number of device-monitor commands processed by outcome",
		},
		[]string{"outcome"},
	)

	// Persistent store metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ionexus_store_op_duration_seconds",
			Help:    "Persistent-store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolFreeClusters)
	prometheus.MustRegister(LvolsTotal)
	prometheus.MustRegister(NexusesTotal)
	prometheus.MustRegister(NexusChildrenTotal)
	prometheus.MustRegister(NexusCreateDuration)
	prometheus.MustRegister(NexusIODuration)
	prometheus.MustRegister(ChildFaultsTotal)
	prometheus.MustRegister(RebuildJobsTotal)
	prometheus.MustRegister(RebuildBlocksTransferred)
	prometheus.MustRegister(RebuildDuration)
	prometheus.MustRegister(DeviceMonitorQueueDepth)
	prometheus.MustRegister(DeviceMonitorCommandsTotal)
	prometheus.MustRegister(StoreOpDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
