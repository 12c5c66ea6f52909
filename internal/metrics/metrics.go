package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const namespace = "eservice_monitor"

const (
	// OutcomeSuccess labels requests that produced a response body.
	OutcomeSuccess = "success"
	// OutcomeError labels requests that failed for any reason.
	OutcomeError = "error"
)

var (
	statisticsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statistics_requests_total",
			Help:      "Statistics requests handled, partitioned by outcome and error kind.",
		},
		[]string{"outcome", "kind"},
	)

	statisticsDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "statistics_seconds",
			Help:      "Statistics aggregation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	statisticsCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statistics_cache_total",
			Help:      "Statistics cache lookups by result.",
		},
		[]string{"result"},
	)

	skippedSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_samples_total",
			Help:      "Raw telemetry points discarded because their time or status could not be parsed.",
		},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes executed, partitioned by telemetry status.",
		},
		[]string{"status"},
	)

	probeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_seconds",
			Help:      "Probe round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"technology"},
	)

	probeTaskFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_task_failures_total",
			Help:      "Probe tasks that could not persist their request, telemetry or response.",
		},
	)

	schedulerCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Scheduler cycles by outcome.",
		},
		[]string{"outcome"},
	)

	readySetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_set_size",
			Help:      "Number of versions admitted for probing in the latest cycle.",
		},
	)
)

// Register attaches the monitor collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		statisticsRequestsTotal,
		statisticsDurationSeconds,
		statisticsCacheTotal,
		skippedSamplesTotal,
		probesTotal,
		probeDurationSeconds,
		probeTaskFailuresTotal,
		schedulerCyclesTotal,
		readySetSize,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStatistics records a statistics request duration and its outcome.
func ObserveStatistics(duration time.Duration, err error) {
	outcome, kind := OutcomeSuccess, "none"
	if err != nil {
		outcome, kind = OutcomeError, string(utils.KindOf(err))
	}
	statisticsRequestsTotal.WithLabelValues(outcome, kind).Inc()
	if duration < 0 {
		duration = 0
	}
	statisticsDurationSeconds.Observe(duration.Seconds())
}

// ObserveCache records a statistics cache hit or miss.
func ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	statisticsCacheTotal.WithLabelValues(result).Inc()
}

// IncSkippedSample counts one discarded raw telemetry point.
func IncSkippedSample() {
	skippedSamplesTotal.Inc()
}

// ObserveProbe records one probe result.
func ObserveProbe(technology, status string, duration time.Duration) {
	probesTotal.WithLabelValues(status).Inc()
	if duration < 0 {
		duration = 0
	}
	probeDurationSeconds.WithLabelValues(technology).Observe(duration.Seconds())
}

// IncProbeTaskFailure counts a probe task that failed to persist its outcome.
func IncProbeTaskFailure() {
	probeTaskFailuresTotal.Inc()
}

// ObserveCycle records a scheduler cycle and the size of its ready set.
func ObserveCycle(admitted int, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	} else {
		readySetSize.Set(float64(admitted))
	}
	schedulerCyclesTotal.WithLabelValues(outcome).Inc()
}
