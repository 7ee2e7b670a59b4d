// Package metrics names the pipeline's counters and histograms and defines
// the sink they are emitted to. The serve command backs the sink with the
// gofulmen telemetry system; everything else defaults to Nop.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names. Counters end in _total; histograms record durations.
const (
	ProviderCalls    = "goscribe_provider_calls_total"
	ProviderRetries  = "goscribe_provider_retries_total"
	BudgetDenials    = "goscribe_budget_denials_total"
	BudgetOverruns   = "goscribe_budget_overruns_total"
	CostUSD          = "goscribe_cost_usd_total"
	StageDuration    = "goscribe_stage_duration_ms"
	RepairAttempts   = "goscribe_repair_attempts_total"
	JobsFinished     = "goscribe_jobs_finished_total"
	RunningJobsGauge = "goscribe_running_jobs"
)

// Tags are metric dimensions.
type Tags = map[string]string

// Recorder receives metric observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Counter(name string, value float64, tags map[string]string) error
	Histogram(name string, d time.Duration, tags map[string]string) error
	Gauge(name string, value float64, tags map[string]string) error
}

type nop struct{}

func (nop) Counter(string, float64, map[string]string) error         { return nil }
func (nop) Histogram(string, time.Duration, map[string]string) error { return nil }
func (nop) Gauge(string, float64, map[string]string) error           { return nil }

// Nop returns a Recorder that drops everything.
func Nop() Recorder {
	return nop{}
}

// Collector keeps observations in memory.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]time.Duration
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]time.Duration),
	}
}

// Counter implements Recorder.
func (c *Collector) Counter(name string, value float64, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[seriesKey(name, tags)] += value
	return nil
}

// Histogram implements Recorder.
func (c *Collector) Histogram(name string, d time.Duration, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := seriesKey(name, tags)
	c.histograms[k] = append(c.histograms[k], d)
	return nil
}

// Gauge implements Recorder.
func (c *Collector) Gauge(name string, value float64, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[seriesKey(name, tags)] = value
	return nil
}

// CounterValue returns the accumulated value of one counter series.
func (c *Collector) CounterValue(name string, tags map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[seriesKey(name, tags)]
}

// CounterTotal sums a counter across all tag sets.
func (c *Collector) CounterTotal(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum float64
	for k, v := range c.counters {
		if seriesName(k) == name {
			sum += v
		}
	}
	return sum
}

// GaugeValue returns the last value set on one gauge series.
func (c *Collector) GaugeValue(name string, tags map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[seriesKey(name, tags)]
}

// Observations returns the durations recorded on one histogram series.
func (c *Collector) Observations(name string, tags map[string]string) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.histograms[seriesKey(name, tags)]...)
}

// seriesKey renders name{k=v,...} with tags in key order.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

func seriesName(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i]
	}
	return key
}
