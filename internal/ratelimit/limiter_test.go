package ratelimit

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg, zerolog.Nop())
	clock := &fakeClock{at: time.Unix(1700000000, 0)}
	l.SetClock(clock.now)
	return l, clock
}

func TestFirstSightConsumesOneToken(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RefillPerSecond: 1, Burst: 5})
	d := l.TryConsume("key")
	require.True(t, d.Allowed)
	require.InDelta(t, 4, d.Remaining, 1e-9)
}

func TestBurstThenDeny(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RefillPerSecond: 2, Burst: 3, MaxRetryAfter: time.Minute})

	for i := 0; i < 3; i++ {
		require.True(t, l.TryConsume("key").Allowed, "request %d should pass", i)
	}
	d := l.TryConsume("key")
	require.False(t, d.Allowed)
	require.Equal(t, time.Second, d.RetryAfter, "ceil((1-0)/2) = 1s")
}

func TestRefillAllowsAgain(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{RefillPerSecond: 1, Burst: 1})
	require.True(t, l.TryConsume("key").Allowed)
	require.False(t, l.TryConsume("key").Allowed)

	clock.advance(time.Second)
	require.True(t, l.TryConsume("key").Allowed)
}

func TestRetryAfterCapped(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RefillPerSecond: 0.001, Burst: 1, MaxRetryAfter: 30 * time.Second})
	require.True(t, l.TryConsume("key").Allowed)
	d := l.TryConsume("key")
	require.False(t, d.Allowed)
	require.Equal(t, 30*time.Second, d.RetryAfter)
}

// Admission bound: starting from an empty bucket, no key is ever allowed
// more than burst + ceil(elapsed*rate) requests.
func TestAdmissionBound(t *testing.T) {
	t.Parallel()

	cfg := Config{RefillPerSecond: 5, Burst: 10, MaxRetryAfter: time.Minute}
	l, clock := newTestLimiter(cfg)

	allowed := 0
	elapsed := 0.0
	for i := 0; i < 500; i++ {
		if l.TryConsume("key").Allowed {
			allowed++
		}
		clock.advance(50 * time.Millisecond)
		elapsed += 0.05
	}

	bound := int(cfg.Burst) + int(math.Ceil(elapsed*cfg.RefillPerSecond))
	require.LessOrEqual(t, allowed, bound)
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RefillPerSecond: 1, Burst: 1})
	require.True(t, l.TryConsume("a").Allowed)
	require.False(t, l.TryConsume("a").Allowed)
	require.True(t, l.TryConsume("b").Allowed)
}

func TestIdleSweepBoundsMemory(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{
		RefillPerSecond:  1,
		Burst:            1,
		CleanupThreshold: 100,
		IdleTimeout:      2 * time.Minute,
	})

	for i := 0; i < 100; i++ {
		l.TryConsume(fmt.Sprintf("key-%d", i))
	}
	require.Equal(t, 100, l.Size())

	// All 100 go idle; the next unseen key triggers a sweep.
	clock.advance(3 * time.Minute)
	l.TryConsume("fresh")
	require.Equal(t, 1, l.Size())
}
