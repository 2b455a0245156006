// Package ratelimit provides per-key token-bucket admission control.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds limiter tuning knobs.
type Config struct {
	// RefillPerSecond is the sustained request rate per key.
	RefillPerSecond float64
	// Burst is the bucket capacity.
	Burst float64
	// MaxRetryAfter caps the Retry-After hint.
	MaxRetryAfter time.Duration
	// CleanupThreshold is the table size that triggers an idle sweep.
	CleanupThreshold int
	// IdleTimeout is how long an untouched bucket survives a sweep.
	IdleTimeout time.Duration
}

// DefaultConfig matches the production ingest limits.
func DefaultConfig() Config {
	return Config{
		RefillPerSecond:  10,
		Burst:            30,
		MaxRetryAfter:    60 * time.Second,
		CleanupThreshold: 10000,
		IdleTimeout:      2 * time.Minute,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is a keyed token-bucket limiter. State is in-process only;
// rate limiting is best effort and local to the serving instance.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a limiter.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the limiter clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// TryConsume takes one token for the key if available.
func (l *Limiter) TryConsume(keyID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[keyID]
	if !ok {
		if len(l.buckets) >= l.cfg.CleanupThreshold {
			l.sweepLocked(now)
		}
		// First sight: charge this request against a full bucket.
		l.buckets[keyID] = &bucket{
			tokens:     l.cfg.Burst - 1,
			lastRefill: now,
			lastSeen:   now,
		}
		return Decision{Allowed: true, Remaining: l.cfg.Burst - 1}
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.cfg.Burst, b.tokens+elapsed*l.cfg.RefillPerSecond)
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	retry := time.Duration(math.Ceil((1-b.tokens)/l.cfg.RefillPerSecond)) * time.Second
	if l.cfg.MaxRetryAfter > 0 && retry > l.cfg.MaxRetryAfter {
		retry = l.cfg.MaxRetryAfter
	}
	return Decision{Allowed: false, Remaining: b.tokens, RetryAfter: retry}
}

// Size returns the current bucket-table size.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweepLocked drops buckets idle beyond the timeout. Caller holds mu.
func (l *Limiter) sweepLocked(now time.Time) {
	before := len(l.buckets)
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTimeout {
			delete(l.buckets, key)
		}
	}
	if removed := before - len(l.buckets); removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.buckets)).Msg("swept idle rate buckets")
	}
}
