// Package metrics provides Prometheus metrics for the replication scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all scheduler metrics.
var Registry = prometheus.NewRegistry()

// SchedulerMetrics holds all Prometheus metrics for one scheduler agent.
type SchedulerMetrics struct {
	// Job counters (labeled by job type)
	JobsSubmitted     *prometheus.CounterVec
	JobSubmitFailures *prometheus.CounterVec
	JobPollFailures   prometheus.Counter

	// File outcomes (labeled by file status)
	FileOutcomes *prometheus.CounterVec
	DefunctFiles prometheus.Counter

	// Callbacks (labeled by result: applied, canceled, rejected, error)
	Callbacks *prometheus.CounterVec

	// Source selection and tree planning failures (labeled by reason)
	PlanningErrors *prometheus.CounterVec

	// Agent gauges
	ActiveOperations prometheus.Gauge
	CycleDuration    prometheus.Histogram

	// Channel gauges (labeled by channel)
	ChannelTimeToStart *prometheus.GaugeVec
	ChannelQueuedFiles *prometheus.GaugeVec

	// Agent info (constant labels exposed as a gauge)
	AgentInfo *prometheus.GaugeVec // labels: agent, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given agent name as a constant label.
func InitMetrics(agentName, version string) *SchedulerMetrics {
	constLabels := prometheus.Labels{
		"agent": agentName,
	}

	m := &SchedulerMetrics{
		JobsSubmitted: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "gridrepl_jobs_submitted_total",
			Help:        "Total jobs accepted by the transfer service",
			ConstLabels: constLabels,
		}, []string{"job_type"}),
		JobSubmitFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "gridrepl_job_submit_failures_total",
			Help:        "Total jobs the transfer service did not accept",
			ConstLabels: constLabels,
		}, []string{"job_type"}),
		JobPollFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "gridrepl_job_poll_failures_total",
			Help:        "Total failed job status queries",
			ConstLabels: constLabels,
		}),

		FileOutcomes: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "gridrepl_file_outcomes_total",
			Help:        "Terminal file outcomes reported by the transfer service",
			ConstLabels: constLabels,
		}, []string{"status"}),
		DefunctFiles: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "gridrepl_defunct_files_total",
			Help:        "Files given up on after exhausting their attempts",
			ConstLabels: constLabels,
		}),

		Callbacks: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "gridrepl_callbacks_total",
			Help:        "Operation callbacks into the request store",
			ConstLabels: constLabels,
		}, []string{"result"}),

		PlanningErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "gridrepl_planning_errors_total",
			Help:        "Source selection and replication tree planning failures",
			ConstLabels: constLabels,
		}, []string{"reason"}),

		ActiveOperations: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "gridrepl_active_operations",
			Help:        "Number of operations being advanced",
			ConstLabels: constLabels,
		}),
		CycleDuration: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "gridrepl_cycle_duration_seconds",
			Help:        "Duration of one scheduling cycle",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		ChannelTimeToStart: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gridrepl_channel_time_to_start_seconds",
			Help:        "Estimated time before a new file starts on the channel",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		ChannelQueuedFiles: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gridrepl_channel_queued_files",
			Help:        "Files queued on the channel",
			ConstLabels: constLabels,
		}, []string{"channel"}),

		AgentInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridrepl_agent_info",
			Help: "Agent information (value is always 1)",
		}, []string{"agent", "version"}),
	}

	// Set agent info
	m.AgentInfo.WithLabelValues(agentName, version).Set(1)

	return m
}
