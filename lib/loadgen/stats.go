package loadgen

import (
	"math"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/darenliang/loadswarm-go/lib/protocol"
)

const (
	DefaultQPSWindow = time.Second

	// histogram range in milliseconds
	histogramMin     = 1
	histogramMax     = int64(time.Hour / time.Millisecond)
	histogramSigfigs = 3
)

// Recorder consumes request outcomes from the load generation pool.
type Recorder interface {
	RecordOutcome(success bool, latencyMs uint64, errorKind string)
}

// Tee fans one outcome out to several recorders.
type Tee []Recorder

func (t Tee) RecordOutcome(success bool, latencyMs uint64, errorKind string) {
	for _, r := range t {
		r.RecordOutcome(success, latencyMs, errorKind)
	}
}

// Aggregator accumulates request outcomes behind a single mutex.
//
// Average latency is a running mean over successful requests, min starts at
// the maximum representable value and max at zero. Latency bounds and
// percentiles only consider successful requests.
type Aggregator struct {
	mu          sync.Mutex
	now         func() time.Time
	window      time.Duration
	total       uint64
	success     uint64
	failure     uint64
	avgLatency  float64
	minLatency  uint64
	maxLatency  uint64
	errors      map[string]uint64
	histogram   *hdrhistogram.Histogram
	windowStart time.Time
	windowCount uint64
	qps         float64
}

func NewAggregator(window time.Duration) *Aggregator {
	return newAggregatorWithClock(window, time.Now)
}

func newAggregatorWithClock(window time.Duration, now func() time.Time) *Aggregator {
	if window <= 0 {
		window = DefaultQPSWindow
	}
	return &Aggregator{
		now:         now,
		window:      window,
		minLatency:  math.MaxUint64,
		errors:      make(map[string]uint64),
		histogram:   hdrhistogram.New(histogramMin, histogramMax, histogramSigfigs),
		windowStart: now(),
	}
}

func (a *Aggregator) RecordOutcome(success bool, latencyMs uint64, errorKind string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.windowCount++
	if !success {
		a.failure++
		if errorKind == "" {
			errorKind = "unknown error"
		}
		a.errors[errorKind]++
		return
	}

	a.success++
	a.avgLatency += (float64(latencyMs) - a.avgLatency) / float64(a.success)
	if latencyMs < a.minLatency {
		a.minLatency = latencyMs
	}
	if latencyMs > a.maxLatency {
		a.maxLatency = latencyMs
	}

	v := int64(latencyMs)
	if v < histogramMin {
		v = histogramMin
	} else if v > histogramMax {
		v = histogramMax
	}
	_ = a.histogram.RecordValue(v)
}

// RollingQPS recomputes throughput once the observation window has elapsed
// and returns the latest figure. Polling inside a window returns the previous value.
func (a *Aggregator) RollingQPS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rollLocked()
}

func (a *Aggregator) rollLocked() float64 {
	now := a.now()
	elapsed := now.Sub(a.windowStart)
	if elapsed >= a.window {
		a.qps = float64(a.windowCount) / elapsed.Seconds()
		a.windowCount = 0
		a.windowStart = now
	}
	return a.qps
}

func (a *Aggregator) Snapshot() protocol.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	qps := a.rollLocked()
	snapshot := protocol.StatsSnapshot{
		TotalRequests:   a.total,
		SuccessCount:    a.success,
		ErrorCount:      a.failure,
		AvgResponseTime: a.avgLatency,
		CurrentQPS:      qps,
		MaxResponseTime: a.maxLatency,
	}
	if a.success > 0 {
		snapshot.MinResponseTime = a.minLatency
		snapshot.P50ResponseTime = a.histogram.ValueAtQuantile(50)
		snapshot.P95ResponseTime = a.histogram.ValueAtQuantile(95)
		snapshot.P99ResponseTime = a.histogram.ValueAtQuantile(99)
	}
	if len(a.errors) > 0 {
		snapshot.Errors = make(map[string]uint64, len(a.errors))
		for kind, count := range a.errors {
			snapshot.Errors[kind] = count
		}
	}
	return snapshot
}
