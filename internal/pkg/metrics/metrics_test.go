package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeKeySortsLabels(t *testing.T) {
	a := makeKey("requests_total", map[string]string{"status": "ok", "app": "GMAIL"})
	b := makeKey("requests_total", map[string]string{"app": "GMAIL", "status": "ok"})
	require.Equal(t, "requests_total{app=GMAIL,status=ok}", a)
	require.Equal(t, a, b)

	require.Equal(t, "uptime", makeKey("uptime", nil))
}

func TestCountersAccumulate(t *testing.T) {
	c := NewCollector()
	c.IncrementCounter("hits", 1, nil)
	c.IncrementCounter("hits", 2, nil)
	c.IncrementCounter("hits", 1, map[string]string{"path": "/v1/apps"})

	snap := c.Get()
	require.EqualValues(t, 3, snap.Counters["hits"])
	require.EqualValues(t, 1, snap.Counters["hits{path=/v1/apps}"])
}

func TestGaugeKeepsLastValue(t *testing.T) {
	c := NewCollector()
	c.SetGauge("queue_depth", 12, nil)
	c.SetGauge("queue_depth", 4, nil)

	require.EqualValues(t, 4, c.Get().Gauges["queue_depth"])
}

func TestHistogramSummary(t *testing.T) {
	c := NewCollector()
	for _, v := range []float64{0.2, 0.4, 0.9} {
		c.RecordHistogram("latency_seconds", v, nil)
	}

	stats := c.Get().Histograms["latency_seconds"]
	require.Equal(t, 3, stats.Count)
	require.InDelta(t, 1.5, stats.Sum, 1e-9)
	require.InDelta(t, 0.2, stats.Min, 1e-9)
	require.InDelta(t, 0.9, stats.Max, 1e-9)
	require.InDelta(t, 0.5, stats.Avg, 1e-9)
}

func TestHistogramWindowDropsOldest(t *testing.T) {
	c := NewCollector()
	for i := 0; i < histogramWindow+10; i++ {
		c.RecordHistogram("latency_seconds", float64(i), nil)
	}

	stats := c.Get().Histograms["latency_seconds"]
	require.Equal(t, histogramWindow, stats.Count)
	// Samples 0..9 fell out of the window.
	require.EqualValues(t, 10, stats.Min)
	require.EqualValues(t, histogramWindow+9, stats.Max)
}

func TestSnapshotIsDetached(t *testing.T) {
	c := NewCollector()
	c.IncrementCounter("hits", 1, nil)

	snap := c.Get()
	snap.Counters["hits"] = 99

	require.EqualValues(t, 1, c.Get().Counters["hits"])
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.IncrementCounter("hits", 1, nil)
	c.SetGauge("queue_depth", 2, nil)
	c.RecordHistogram("latency_seconds", 0.1, nil)

	c.Reset()

	snap := c.Get()
	require.Empty(t, snap.Counters)
	require.Empty(t, snap.Gauges)
	require.Empty(t, snap.Histograms)
}

func TestPrometheusExposition(t *testing.T) {
	c := NewCollector()
	c.RecordWebhookReceived("GITHUB", "tr_1", "push")
	c.SetGauge("queue_depth", 7, nil)
	c.RecordWebhookDuration("GITHUB", 0.25)
	c.RecordWebhookDuration("GITHUB", 0.75)

	out := c.Prometheus()

	require.Contains(t, out, "# TYPE webhook_received_total counter")
	require.Contains(t, out, "webhook_received_total{app=GITHUB,event_type=push,trigger_id=tr_1} 1")
	require.Contains(t, out, "# TYPE queue_depth gauge")
	require.Contains(t, out, "queue_depth 7")
	require.Contains(t, out, "# TYPE webhook_processing_duration_seconds histogram")
	require.Contains(t, out, "webhook_processing_duration_seconds_count{app=GITHUB} 2")
	require.Contains(t, out, "webhook_processing_duration_seconds_sum{app=GITHUB} 1")
	require.Contains(t, out, "webhook_processing_duration_seconds_avg{app=GITHUB} 0.5")
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestPrometheusTypeLineEmittedOncePerBase(t *testing.T) {
	c := NewCollector()
	c.RecordRateLimitHit("global")
	c.RecordRateLimitHit("trigger")

	out := c.Prometheus()
	require.Equal(t, 1, strings.Count(out, "# TYPE rate_limit_hit_total counter"))
	require.Contains(t, out, "rate_limit_hit_total{type=global} 1")
	require.Contains(t, out, "rate_limit_hit_total{type=trigger} 1")
}

func TestDomainHelpers(t *testing.T) {
	c := NewCollector()
	c.RecordExecution("GMAIL_SEND_EMAIL", true, 0.3)
	c.RecordExecution("GMAIL_SEND_EMAIL", false, 1.1)
	c.RecordRenewal("GMAIL", false)
	c.RecordDuplicateEvent("tr_9")
	c.RecordRerank(true)

	snap := c.Get()
	require.EqualValues(t, 1, snap.Counters["function_execution_total{function=GMAIL_SEND_EMAIL,status=success}"])
	require.EqualValues(t, 1, snap.Counters["function_execution_total{function=GMAIL_SEND_EMAIL,status=failed}"])
	require.EqualValues(t, 1, snap.Counters["trigger_renewal_total{app=GMAIL,status=failed}"])
	require.EqualValues(t, 1, snap.Counters["trigger_event_duplicate_total{trigger_id=tr_9}"])
	require.EqualValues(t, 1, snap.Counters["rerank_cache_total{outcome=hit}"])
	require.Equal(t, 2, snap.Histograms["function_execution_duration_seconds{function=GMAIL_SEND_EMAIL}"].Count)
}
