package loadgen

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAggregatorAverageLatency(t *testing.T) {
	a := NewAggregator(time.Second)
	a.RecordOutcome(true, 10, "")
	a.RecordOutcome(true, 20, "")
	a.RecordOutcome(true, 30, "")

	s := a.Snapshot()
	require.Equal(t, 20.0, s.AvgResponseTime)
	require.Equal(t, uint64(10), s.MinResponseTime)
	require.Equal(t, uint64(30), s.MaxResponseTime)
	require.Equal(t, uint64(3), s.TotalRequests)
}

func TestAggregatorFailuresDoNotAffectLatency(t *testing.T) {
	a := NewAggregator(time.Second)
	a.RecordOutcome(true, 40, "")
	a.RecordOutcome(false, 0, "connection refused")
	a.RecordOutcome(false, 0, "connection refused")
	a.RecordOutcome(false, 0, "")

	s := a.Snapshot()
	require.Equal(t, 40.0, s.AvgResponseTime)
	require.Equal(t, uint64(40), s.MinResponseTime)
	require.Equal(t, uint64(1), s.SuccessCount)
	require.Equal(t, uint64(3), s.ErrorCount)
	require.Equal(t, uint64(2), s.Errors["connection refused"])
	require.Equal(t, uint64(1), s.Errors["unknown error"])
}

func TestAggregatorEmptySnapshot(t *testing.T) {
	s := NewAggregator(time.Second).Snapshot()
	require.Zero(t, s.TotalRequests)
	require.Zero(t, s.MinResponseTime)
	require.Zero(t, s.MaxResponseTime)
	require.Nil(t, s.Errors)
}

func TestAggregatorInvariantsUnderConcurrency(t *testing.T) {
	a := NewAggregator(time.Second)

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if rand.IntN(4) == 0 {
					a.RecordOutcome(false, 0, "timeout")
				} else {
					a.RecordOutcome(true, uint64(1+rand.IntN(200)), "")
				}
				if j%50 == 0 {
					s := a.Snapshot()
					assert.Equal(t, s.TotalRequests, s.SuccessCount+s.ErrorCount)
				}
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	require.Equal(t, uint64(4000), s.TotalRequests)
	require.Equal(t, s.TotalRequests, s.SuccessCount+s.ErrorCount)
	require.LessOrEqual(t, s.MinResponseTime, s.MaxResponseTime)
	require.GreaterOrEqual(t, s.AvgResponseTime, float64(s.MinResponseTime))
	require.LessOrEqual(t, s.AvgResponseTime, float64(s.MaxResponseTime))
}

func TestRollingQPS(t *testing.T) {
	clock := newFakeClock()
	a := newAggregatorWithClock(time.Second, clock.Now)

	for i := 0; i < 100; i++ {
		a.RecordOutcome(true, 5, "")
	}

	// polling inside the window keeps the previous value
	clock.Advance(500 * time.Millisecond)
	require.Equal(t, 0.0, a.RollingQPS())

	clock.Advance(500 * time.Millisecond)
	require.Equal(t, 100.0, a.RollingQPS())

	clock.Advance(200 * time.Millisecond)
	require.Equal(t, 100.0, a.RollingQPS())

	clock.Advance(800 * time.Millisecond)
	require.Equal(t, 0.0, a.RollingQPS())
}

func TestSnapshotPercentiles(t *testing.T) {
	a := NewAggregator(time.Second)
	for i := 1; i <= 100; i++ {
		a.RecordOutcome(true, uint64(i), "")
	}
	s := a.Snapshot()
	require.InDelta(t, 50, s.P50ResponseTime, 1)
	require.InDelta(t, 95, s.P95ResponseTime, 1)
	require.InDelta(t, 99, s.P99ResponseTime, 1)
}

func TestTee(t *testing.T) {
	first := NewAggregator(time.Second)
	second := NewAggregator(time.Second)
	Tee{first, second}.RecordOutcome(true, 12, "")

	require.Equal(t, uint64(1), first.Snapshot().SuccessCount)
	require.Equal(t, uint64(1), second.Snapshot().SuccessCount)
}
