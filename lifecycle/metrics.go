package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	capabilityStartTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_capability_start_total",
			Help: "Number of capability instances successfully started.",
		},
		[]string{"capability"},
	)
	capabilityStartErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_capability_start_error_total",
			Help: "Number of startup failures by capability and lifecycle stage.",
		},
		[]string{"capability", "stage"},
	)
	shutdownErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capstan_capability_shutdown_error_total",
			Help: "Number of best-effort shutdown step failures by capability and stage.",
		},
		[]string{"capability", "stage"},
	)
	capabilitiesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capstan_capabilities_running",
			Help: "Number of capability instances currently in the started state.",
		},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capstan_startup_duration_seconds",
			Help:    "Time taken by a successful StartAll.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		capabilityStartTotal,
		capabilityStartErrorTotal,
		shutdownErrorTotal,
		capabilitiesRunning,
		startupDuration,
	)
}
