package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const histogramWindow = 1000

// HistogramStats summarizes the retained samples of one histogram series.
type HistogramStats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Snapshot is a point-in-time copy of all collected metrics.
type Snapshot struct {
	Counters   map[string]float64        `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// Collector is a thread-safe in-process metrics store for counters, gauges
// and histograms. Histograms retain the last 1000 samples per series.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter adds value to the named counter series.
func (c *Collector) IncrementCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[makeKey(name, labels)] += value
}

// SetGauge sets the named gauge series to value.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[makeKey(name, labels)] = value
}

// RecordHistogram appends a sample to the named histogram series.
func (c *Collector) RecordHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	samples := append(c.histograms[key], value)
	if len(samples) > histogramWindow {
		samples = samples[len(samples)-histogramWindow:]
	}
	c.histograms[key] = samples
}

// Get returns a consistent snapshot of all metrics.
func (c *Collector) Get() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters:   make(map[string]float64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Histograms: make(map[string]HistogramStats, len(c.histograms)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	for k, samples := range c.histograms {
		snap.Histograms[k] = summarize(samples)
	}
	return snap
}

// Reset clears all series.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

func summarize(samples []float64) HistogramStats {
	if len(samples) == 0 {
		return HistogramStats{}
	}
	stats := HistogramStats{
		Count: len(samples),
		Min:   samples[0],
		Max:   samples[0],
	}
	for _, v := range samples {
		stats.Sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Avg = stats.Sum / float64(stats.Count)
	return stats
}

// makeKey renders "name{k1=v1,k2=v2}" with labels in sorted order, so the same
// label set always maps to the same series.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
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
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i]
	}
	return key
}

func labelSuffix(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[i:]
	}
	return ""
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Prometheus renders all series in the Prometheus text exposition format.
// Histograms are flattened into _count/_sum/_min/_max/_avg series.
func (c *Collector) Prometheus() string {
	snap := c.Get()

	var lines []string
	typed := make(map[string]bool)

	emit := func(key string, kind string, value float64) {
		base := baseName(key)
		if !typed[base] {
			lines = append(lines, fmt.Sprintf("# TYPE %s %s", base, kind))
			typed[base] = true
		}
		lines = append(lines, key+" "+formatValue(value))
	}

	for _, key := range sortedKeys(snap.Counters) {
		emit(key, "counter", snap.Counters[key])
	}
	for _, key := range sortedKeys(snap.Gauges) {
		emit(key, "gauge", snap.Gauges[key])
	}

	histKeys := make([]string, 0, len(snap.Histograms))
	for k := range snap.Histograms {
		histKeys = append(histKeys, k)
	}
	sort.Strings(histKeys)
	for _, key := range histKeys {
		stats := snap.Histograms[key]
		base := baseName(key)
		labels := labelSuffix(key)
		if !typed[base] {
			lines = append(lines, fmt.Sprintf("# TYPE %s histogram", base))
			typed[base] = true
		}
		lines = append(lines, fmt.Sprintf("%s_count%s %d", base, labels, stats.Count))
		lines = append(lines, base+"_sum"+labels+" "+formatValue(stats.Sum))
		lines = append(lines, base+"_min"+labels+" "+formatValue(stats.Min))
		lines = append(lines, base+"_max"+labels+" "+formatValue(stats.Max))
		lines = append(lines, base+"_avg"+labels+" "+formatValue(stats.Avg))
	}

	return strings.Join(lines, "\n") + "\n"
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
