// Package promexport exposes the per-task accounting table and observer
// counters as Prometheus metrics.
package promexport

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yairfalse/taskperf/internal/observers/cpuperf"
)

const namespace = "taskperf"

// Collector implements prometheus.Collector over a live observer. Task
// totals are read from the accounting table snapshot at scrape time, so
// the collector holds no state of its own.
type Collector struct {
	observer *cpuperf.Observer

	cyclesDesc       *prometheus.Desc
	instructionsDesc *prometheus.Desc
	llcMissesDesc    *prometheus.Desc
	cpuTimeDesc      *prometheus.Desc
	samplesDesc      *prometheus.Desc

	trackedDesc   *prometheus.Desc
	lifetimesDesc *prometheus.Desc
	eventsDesc    *prometheus.Desc
	errorsDesc    *prometheus.Desc
	droppedDesc   *prometheus.Desc
	lostDesc      *prometheus.Desc
}

// NewCollector builds a collector over the given observer.
func NewCollector(observer *cpuperf.Observer) *Collector {
	taskLabels := []string{"pid", "command"}

	return &Collector{
		observer: observer,

		cyclesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "cycles_total"),
			"CPU cycles accumulated by a tracked task",
			taskLabels, nil,
		),
		instructionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "instructions_total"),
			"Instructions retired by a tracked task",
			taskLabels, nil,
		),
		llcMissesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "llc_misses_total"),
			"Last-level cache misses accumulated by a tracked task",
			taskLabels, nil,
		),
		cpuTimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "cpu_time_seconds_total"),
			"On-CPU time accumulated by a tracked task",
			taskLabels, nil,
		),
		samplesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "task", "samples_total"),
			"Measurement records applied to a tracked task",
			taskLabels, nil,
		),

		trackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "tracked_tasks"),
			"Tasks currently present in the accounting table",
			nil, nil,
		),
		lifetimesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "task_lifetimes_total"),
			"Task lifetimes by outcome",
			[]string{"outcome"}, nil,
		),
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "events_emitted_total"),
			"Collector events emitted downstream",
			nil, nil,
		),
		errorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "errors_total"),
			"Record decode and processing errors",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "events_dropped_total"),
			"Events dropped because the consumer channel was full",
			nil, nil,
		),
		lostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "observer", "lost_samples_total"),
			"Records lost in the kernel ring before userspace read them",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cyclesDesc
	ch <- c.instructionsDesc
	ch <- c.llcMissesDesc
	ch <- c.cpuTimeDesc
	ch <- c.samplesDesc
	ch <- c.trackedDesc
	ch <- c.lifetimesDesc
	ch <- c.eventsDesc
	ch <- c.errorsDesc
	ch <- c.droppedDesc
	ch <- c.lostDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	table := c.observer.Table()

	for _, acct := range table.Snapshot() {
		pid := strconv.FormatUint(uint64(acct.PID), 10)

		ch <- prometheus.MustNewConstMetric(c.cyclesDesc,
			prometheus.CounterValue, float64(acct.Cycles), pid, acct.Command)
		ch <- prometheus.MustNewConstMetric(c.instructionsDesc,
			prometheus.CounterValue, float64(acct.Instructions), pid, acct.Command)
		ch <- prometheus.MustNewConstMetric(c.llcMissesDesc,
			prometheus.CounterValue, float64(acct.LLCMisses), pid, acct.Command)
		ch <- prometheus.MustNewConstMetric(c.cpuTimeDesc,
			prometheus.CounterValue, float64(acct.TimeNS)/1e9, pid, acct.Command)
		ch <- prometheus.MustNewConstMetric(c.samplesDesc,
			prometheus.CounterValue, float64(acct.Samples), pid, acct.Command)
	}

	created, terminated, reaped := table.Lifetimes()
	ch <- prometheus.MustNewConstMetric(c.trackedDesc,
		prometheus.GaugeValue, float64(table.Len()))
	ch <- prometheus.MustNewConstMetric(c.lifetimesDesc,
		prometheus.CounterValue, float64(created), "created")
	ch <- prometheus.MustNewConstMetric(c.lifetimesDesc,
		prometheus.CounterValue, float64(terminated), "terminated")
	ch <- prometheus.MustNewConstMetric(c.lifetimesDesc,
		prometheus.CounterValue, float64(reaped), "reaped")

	ch <- prometheus.MustNewConstMetric(c.eventsDesc,
		prometheus.CounterValue, float64(c.observer.GetEventCount()))
	ch <- prometheus.MustNewConstMetric(c.errorsDesc,
		prometheus.CounterValue, float64(c.observer.GetErrorCount()))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc,
		prometheus.CounterValue, float64(c.observer.GetDroppedCount()))
	ch <- prometheus.MustNewConstMetric(c.lostDesc,
		prometheus.CounterValue, float64(c.observer.LostSamples()))
}
