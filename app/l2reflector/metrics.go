package l2reflector

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

type counters struct {
	provisions     atomic.Uint64
	teardownErrors atomic.Uint64

	mu       sync.Mutex
	failures map[string]uint64
}

// categoryName returns a metric label value for the error category of e.
func categoryName(e error) string {
	switch hwdrv.Category(e) {
	case hwdrv.ErrNotFound:
		return "not-found"
	case hwdrv.ErrNoMemory:
		return "no-memory"
	case hwdrv.ErrInvalidValue:
		return "invalid-value"
	case hwdrv.ErrDriver:
		return "driver"
	}
	return "other"
}

func (cnt *counters) fail(e error) {
	cnt.mu.Lock()
	defer cnt.mu.Unlock()
	if cnt.failures == nil {
		cnt.failures = map[string]uint64{}
	}
	cnt.failures[categoryName(e)]++
}

func (cnt *counters) failureSnapshot() map[string]uint64 {
	cnt.mu.Lock()
	defer cnt.mu.Unlock()
	m := make(map[string]uint64, len(cnt.failures))
	for k, v := range cnt.failures {
		m[k] = v
	}
	return m
}

// collector implements prometheus.Collector, reading coordinator state on each scrape.
type collector struct {
	c *Coordinator

	provisionsTotal     *prometheus.Desc
	provisionFailures   *prometheus.Desc
	teardownErrorsTotal *prometheus.Desc
	provisioned         *prometheus.Desc
	running             *prometheus.Desc
	resources           *prometheus.Desc
}

// Collector returns a prometheus.Collector that exports coordinator metrics.
func (c *Coordinator) Collector() prometheus.Collector {
	constLabels := prometheus.Labels{"device": c.cfg.Device}
	return &collector{
		c: c,
		provisionsTotal: prometheus.NewDesc(
			"l2reflector_provisions_total",
			"Total provisioning attempts.",
			nil, constLabels,
		),
		provisionFailures: prometheus.NewDesc(
			"l2reflector_provision_failures_total",
			"Total failed provisioning attempts by error category.",
			[]string{"category"}, constLabels,
		),
		teardownErrorsTotal: prometheus.NewDesc(
			"l2reflector_teardown_errors_total",
			"Total resource release failures during teardown.",
			nil, constLabels,
		),
		provisioned: prometheus.NewDesc(
			"l2reflector_provisioned",
			"Whether reflector resources are provisioned.",
			nil, constLabels,
		),
		running: prometheus.NewDesc(
			"l2reflector_running",
			"Whether the offload event handler is running.",
			nil, constLabels,
		),
		resources: prometheus.NewDesc(
			"l2reflector_resources",
			"Live provisioned resources by kind.",
			[]string{"kind"}, constLabels,
		),
	}
}

func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.provisionsTotal
	ch <- col.provisionFailures
	ch <- col.teardownErrorsTotal
	ch <- col.provisioned
	ch <- col.running
	ch <- col.resources
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (col *collector) Collect(ch chan<- prometheus.Metric) {
	cnt := &col.c.counters
	ch <- prometheus.MustNewConstMetric(col.provisionsTotal, prometheus.CounterValue, float64(cnt.provisions.Load()))
	for category, n := range cnt.failureSnapshot() {
		ch <- prometheus.MustNewConstMetric(col.provisionFailures, prometheus.CounterValue, float64(n), category)
	}
	ch <- prometheus.MustNewConstMetric(col.teardownErrorsTotal, prometheus.CounterValue, float64(cnt.teardownErrors.Load()))

	st := col.c.State()
	ch <- prometheus.MustNewConstMetric(col.provisioned, prometheus.GaugeValue, boolGauge(st.Provisioned))
	ch <- prometheus.MustNewConstMetric(col.running, prometheus.GaugeValue, boolGauge(st.Running))

	byKind := map[string]int{}
	for _, r := range st.Resources {
		byKind[r.Kind]++
	}
	for kind, n := range byKind {
		ch <- prometheus.MustNewConstMetric(col.resources, prometheus.GaugeValue, float64(n), kind)
	}
}
