package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics is the sink components report to. Implementations accumulate
// behind their own lock; there is no process-wide registry.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, labels map[string]string, d time.Duration)
}

// NopMetrics discards everything. Useful default for tests.
type NopMetrics struct{}

func (NopMetrics) IncCounter(string, map[string]string)                   {}
func (NopMetrics) ObserveLatency(string, map[string]string, time.Duration) {}

// Sample is one exported metric value.
type Sample struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp float64           `json:"timestamp"`
}

// InMemoryMetrics accumulates counters and latency histogram sums behind a
// mutex and can dump a JSON snapshot for offline inspection.
type InMemoryMetrics struct {
	mu        sync.Mutex
	counters  map[string]float64
	latencies map[string][]float64
	labels    map[string]map[string]string
}

// NewInMemoryMetrics creates an empty sink.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters:  make(map[string]float64),
		latencies: make(map[string][]float64),
		labels:    make(map[string]map[string]string),
	}
}

func metricKey(name string, labels map[string]string) string {
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
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, labels[k])
	}
	return b.String()
}

func (m *InMemoryMetrics) IncCounter(name string, labels map[string]string) {
	key := metricKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	m.labels[key] = labels
}

func (m *InMemoryMetrics) ObserveLatency(name string, labels map[string]string, d time.Duration) {
	key := metricKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[key] = append(m.latencies[key], float64(d.Microseconds())/1000.0)
	m.labels[key] = labels
}

// Counter returns the current value of a counter, zero if never incremented.
func (m *InMemoryMetrics) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

// Snapshot exports every accumulated value. Latency series are exported as
// count and sum pairs.
func (m *InMemoryMetrics) Snapshot() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9
	var samples []Sample
	for key, v := range m.counters {
		samples = append(samples, Sample{Name: nameOf(key), Labels: m.labels[key], Value: v, Timestamp: now})
	}
	for key, series := range m.latencies {
		var sum float64
		for _, v := range series {
			sum += v
		}
		samples = append(samples, Sample{Name: nameOf(key) + "_ms_count", Labels: m.labels[key], Value: float64(len(series)), Timestamp: now})
		samples = append(samples, Sample{Name: nameOf(key) + "_ms_sum", Labels: m.labels[key], Value: sum, Timestamp: now})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

func nameOf(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// SaveSnapshot dumps the current samples to a JSON file for dashboards and
// notebooks that cannot scrape a live endpoint.
func (m *InMemoryMetrics) SaveSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
