package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSeries(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Counter(ProviderCalls, 1, Tags{"model": "small", "outcome": "ok"}))
	require.NoError(t, c.Counter(ProviderCalls, 2, Tags{"outcome": "ok", "model": "small"}))
	require.NoError(t, c.Counter(ProviderCalls, 1, Tags{"model": "large", "outcome": "ok"}))
	require.NoError(t, c.Histogram(StageDuration, 5*time.Millisecond, Tags{"stage": "PLAN"}))
	require.NoError(t, c.Gauge(RunningJobsGauge, 3, nil))
	require.NoError(t, c.Gauge(RunningJobsGauge, 1, nil))

	assert.InDelta(t, 3, c.CounterValue(ProviderCalls, Tags{"model": "small", "outcome": "ok"}), 1e-9)
	assert.InDelta(t, 4, c.CounterTotal(ProviderCalls), 1e-9)
	assert.Zero(t, c.CounterTotal(ProviderRetries))
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, c.Observations(StageDuration, Tags{"stage": "PLAN"}))
	assert.InDelta(t, 1, c.GaugeValue(RunningJobsGauge, nil), 1e-9)
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "m", seriesKey("m", nil))
	assert.Equal(t, "m{a=1,b=2}", seriesKey("m", Tags{"b": "2", "a": "1"}))
	assert.Equal(t, "m", seriesName("m{a=1}"))
}

func TestNopAcceptsEverything(t *testing.T) {
	r := Nop()
	assert.NoError(t, r.Counter(CostUSD, 1, nil))
	assert.NoError(t, r.Histogram(StageDuration, time.Second, nil))
	assert.NoError(t, r.Gauge(RunningJobsGauge, 1, nil))
}
