package telemetry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	at time.Time
}

func (c *testClock) now() time.Time          { return c.at }
func (c *testClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestCollector() (*Collector, *testClock) {
	clock := &testClock{at: time.Unix(1700000000, 0)}
	c := NewCollector(prometheus.NewRegistry(), zerolog.Nop())
	c.SetClock(clock.now)
	c.SetRandSource(rand.NewSource(1))
	return c, clock
}

func okEvent(latencyMS float64) Event {
	return Event{KeyID: "ok_a", ProjectID: 1, LatencyMS: latencyMS, HasLatency: true, OK: true}
}

func errEvent(keyID string, projectID int64, kind ErrorKind) Event {
	return Event{KeyID: keyID, ProjectID: projectID, LatencyMS: 5, HasLatency: true, Kind: kind}
}

func TestSnapshotTotalsAndErrorRate(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	for i := 0; i < 90; i++ {
		c.Record(okEvent(10))
	}
	for i := 0; i < 10; i++ {
		c.Record(errEvent("ok_a", 1, ErrSchemaInvalid))
	}

	snap := c.Snapshot()
	require.Equal(t, int64(100), snap.Total)
	require.Equal(t, int64(10), snap.Errors)
	require.InDelta(t, 0.1, snap.ErrorRate, 1e-9)
	require.Equal(t, int64(10), snap.ByError["schema_invalid"])
}

func TestErrorsNeverExceedTotal(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	kinds := []ErrorKind{ErrHMACFailed, ErrRateLimited, ErrSchemaInvalid, ErrReplay}
	for i := 0; i < 200; i++ {
		if i%3 == 0 {
			c.Record(errEvent("ok_a", 1, kinds[i%len(kinds)]))
		} else {
			c.Record(okEvent(float64(i)))
		}
	}

	snap := c.Snapshot()
	var byErrorSum int64
	for _, n := range snap.ByError {
		byErrorSum += n
	}
	require.Equal(t, snap.Errors, byErrorSum)
	require.LessOrEqual(t, snap.Errors, snap.Total)
	require.LessOrEqual(t, snap.P50MS, snap.P95MS)
}

// Ten known latencies: nearest-rank gives p50 = 5th value, p95 = 10th.
func TestPercentilesNearestRank(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	for i := 1; i <= 10; i++ {
		c.Record(okEvent(float64(i * 10)))
	}

	snap := c.Snapshot()
	require.InDelta(t, 50, snap.P50MS, 1e-9)
	require.InDelta(t, 100, snap.P95MS, 1e-9)
}

func TestEmptyWindowSnapshot(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	snap := c.Snapshot()

	require.Zero(t, snap.Total)
	require.Zero(t, snap.ErrorRate)
	require.Zero(t, snap.P50MS)
	require.Zero(t, snap.P95MS)
	require.Empty(t, snap.TopErrorKeys)
	require.Empty(t, snap.TopErrorProjects)
}

func TestWindowEvictsAfterFiveMinutes(t *testing.T) {
	t.Parallel()

	c, clock := newTestCollector()
	for i := 0; i < 50; i++ {
		c.Record(okEvent(10))
	}
	require.Equal(t, int64(50), c.Snapshot().Total)

	// Four minutes later the events are still inside the window.
	clock.advance(4 * time.Minute)
	c.Record(okEvent(10))
	require.Equal(t, int64(51), c.Snapshot().Total)

	// One more minute pushes the original bucket out.
	clock.advance(time.Minute)
	require.Equal(t, int64(1), c.Snapshot().Total)

	// A long idle gap clears everything without looping unboundedly.
	clock.advance(48 * time.Hour)
	require.Equal(t, int64(0), c.Snapshot().Total)
}

func TestReservoirStaysBounded(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	for i := 0; i < SampleCap*4; i++ {
		c.Record(okEvent(float64(i)))
	}

	c.mu.Lock()
	sampled := len(c.buckets[0].sample)
	observed := c.buckets[0].observed
	c.mu.Unlock()

	require.Equal(t, SampleCap, sampled)
	require.Equal(t, int64(SampleCap*4), observed)
}

func TestTopErrorKeysRankingAndTies(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()

	// ok_b accumulates the most errors; ok_a and ok_c tie and must keep
	// first-seen order.
	c.Record(errEvent("ok_a", 1, ErrHMACFailed))
	c.Record(errEvent("ok_b", 2, ErrHMACFailed))
	c.Record(errEvent("ok_b", 2, ErrHMACFailed))
	c.Record(errEvent("ok_c", 3, ErrHMACFailed))

	snap := c.Snapshot()
	require.Len(t, snap.TopErrorKeys, 3)
	assert.Equal(t, "ok_b", snap.TopErrorKeys[0].KeyID)
	assert.Equal(t, int64(2), snap.TopErrorKeys[0].Count)
	assert.Equal(t, "ok_a", snap.TopErrorKeys[1].KeyID)
	assert.Equal(t, "ok_c", snap.TopErrorKeys[2].KeyID)

	require.Len(t, snap.TopErrorProjects, 3)
	assert.Equal(t, int64(2), snap.TopErrorProjects[0].ProjectID)
}

func TestTopErrorKeysTruncatedToTen(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	for i := 0; i < 15; i++ {
		key := string(rune('a' + i))
		c.Record(errEvent("ok_"+key, int64(i+1), ErrRateLimited))
	}

	snap := c.Snapshot()
	require.Len(t, snap.TopErrorKeys, TopN)
	require.Len(t, snap.TopErrorProjects, TopN)
}

func TestGraceCountAccumulates(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	c.Record(Event{KeyID: "ok_a", ProjectID: 1, OK: true, UsedGrace: true})
	c.Record(Event{KeyID: "ok_a", ProjectID: 1, OK: true, UsedGrace: true})
	c.Record(Event{KeyID: "ok_a", ProjectID: 1, OK: true})

	require.Equal(t, int64(2), c.Snapshot().GraceCount)
}

func TestEventsWithoutLatencySkipSample(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector()
	c.Record(Event{KeyID: "ok_a", OK: true})
	c.Record(okEvent(40))

	snap := c.Snapshot()
	require.Equal(t, int64(2), snap.Total)
	require.InDelta(t, 40, snap.P50MS, 1e-9)
}

func TestErrorsSpanBuckets(t *testing.T) {
	t.Parallel()

	c, clock := newTestCollector()
	c.Record(errEvent("ok_a", 1, ErrHMACFailed))
	clock.advance(2 * time.Minute)
	c.Record(errEvent("ok_a", 1, ErrRateLimited))

	snap := c.Snapshot()
	require.Equal(t, int64(2), snap.Errors)
	require.Len(t, snap.TopErrorKeys, 1)
	require.Equal(t, int64(2), snap.TopErrorKeys[0].Count)
}
