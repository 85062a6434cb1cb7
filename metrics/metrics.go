// Package metrics exposes scheduler activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/john/printfleet/fleet"
)

// Collector holds the scheduler's Prometheus metrics. A nil *Collector
// records nothing, so callers never need to check.
type Collector struct {
	passes          prometheus.Counter
	passDuration    prometheus.Histogram
	checkedPrinters prometheus.Gauge
	jobsStarted     *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobsFailed      *prometheus.CounterVec
	printersOffline prometheus.Counter
	errors          prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_scheduler_passes_total",
			Help: "Total number of scheduler passes run",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "printfleet_scheduler_pass_duration_seconds",
			Help:    "Duration of scheduler passes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		checkedPrinters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printfleet_scheduler_checked_printers",
			Help: "Dispatch candidates considered by the last pass",
		}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_jobs_started_total",
			Help: "Total number of jobs dispatched to printers",
		}, []string{"stolen"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_jobs_finished_total",
			Help: "Total number of printing jobs that reached a terminal status",
		}, []string{"status"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_jobs_failed_total",
			Help: "Total number of jobs failed, by reason",
		}, []string{"reason"}),
		printersOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_printers_offline_total",
			Help: "Total number of printer transitions to OFFLINE",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_scheduler_errors_total",
			Help: "Total number of per-printer errors counted by passes",
		}),
	}

	reg.MustRegister(
		c.passes,
		c.passDuration,
		c.checkedPrinters,
		c.jobsStarted,
		c.jobsFinished,
		c.jobsFailed,
		c.printersOffline,
		c.errors,
	)
	return c
}

// ObservePass records one completed pass.
func (c *Collector) ObservePass(d time.Duration, checked, errs int) {
	if c == nil {
		return
	}
	c.passes.Inc()
	c.passDuration.Observe(d.Seconds())
	c.checkedPrinters.Set(float64(checked))
	c.errors.Add(float64(errs))
}

func (c *Collector) JobStarted(stolen bool) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(strconv.FormatBool(stolen)).Inc()
}

// JobFinished records a PRINTING job reaching status.
func (c *Collector) JobFinished(status fleet.JobStatus) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(string(status)).Inc()
}

func (c *Collector) JobFailed(reason fleet.FailureReason) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(string(reason)).Inc()
}

func (c *Collector) PrinterOffline() {
	if c == nil {
		return
	}
	c.printersOffline.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
