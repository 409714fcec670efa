package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is a single recorded sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers samples in memory and flushes them to the log.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	totals  map[string]float64
	enabled bool
	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a collector. With a positive interval an enabled
// collector flushes in the background until Shutdown.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		totals:  map[string]float64{},
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled && interval > 0 {
		go c.periodicFlush(interval)
	}
	return c
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge records the current value of name.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if m.Type == Counter {
		c.totals[m.Name] += m.Value
	}
	if len(c.metrics) >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Total returns the running sum of a counter since the collector was created.
func (c *Collector) Total(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[name]
}

// Totals returns counter names and their sums, sorted by name.
func (c *Collector) Totals() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, 0, len(c.totals))
	for name, v := range c.totals {
		out = append(out, Metric{Name: name, Type: Counter, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetMetrics returns a copy of the buffered samples.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// FlushMetrics logs and drops the buffered samples.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops background flushing and flushes what is left.
func (c *Collector) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.FlushMetrics()
}

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector.
func InitGlobal(enabled bool, interval time.Duration) *Collector {
	c := NewCollector(enabled, interval)
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
	return c
}

// GetGlobal returns the global collector, creating a disabled one if needed.
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
