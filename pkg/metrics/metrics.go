package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cluster_doctor"

// Recorder collects the metrics of one process. A nil *Recorder discards everything.
type Recorder struct {
	registry    *prometheus.Registry
	actions     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	probeErrors *prometheus.CounterVec
	runDuration prometheus.Gauge
	lastRun     prometheus.Gauge
	findings    *findingsCollector
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Remediation actions by action name and outcome.",
		}, []string{"action", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by final outcome.",
		}, []string{"outcome"}),
		probeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Health checks that could not be completed.",
		}, []string{"check"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last completed run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run completed.",
		}),
		findings: &findingsCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "findings"),
				"Unhealthy findings of the last health report by category.",
				[]string{"category"},
				prometheus.Labels{},
			),
			counts: map[string]int{},
		},
	}
	r.registry.MustRegister(r.actions, r.runs, r.probeErrors, r.runDuration, r.lastRun, r.findings)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveAction(action, outcome string) {
	if r == nil {
		return
	}
	r.actions.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) ObserveProbeError(check string) {
	if r == nil {
		return
	}
	r.probeErrors.WithLabelValues(check).Inc()
}

func (r *Recorder) ObserveRun(outcome string, took time.Duration, finished time.Time) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
	r.runDuration.Set(took.Seconds())
	r.lastRun.Set(float64(finished.Unix()))
}

// SetFindings replaces the per-category counts of the last report.
func (r *Recorder) SetFindings(counts map[string]int) {
	if r == nil {
		return
	}
	r.findings.set(counts)
}

// WriteTextfile writes every metric in the text exposition format, atomically, for the
// node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// findingsCollector is thread-safe internally
type findingsCollector struct {
	desc   *prometheus.Desc
	counts map[string]int
	lock   sync.RWMutex
}

func (c *findingsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *findingsCollector) set(counts map[string]int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.counts = make(map[string]int, len(counts))
	for category, n := range counts {
		c.counts[category] = n
	}
}

func (c *findingsCollector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	categories := make([]string, 0, len(c.counts))
	for category := range c.counts {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(c.counts[category]), category)
	}
}
