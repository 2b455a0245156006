package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoManifest is returned when the store has never been populated.
var ErrNoManifest = errors.New("no rule manifest in store")

// Store is the external rule cache: a versioned manifest plus the
// last-cron heartbeat written by the out-of-scope refresh job.
type Store interface {
	// Version returns the manifest version without fetching the body.
	Version(ctx context.Context) (int64, error)

	// Manifest returns the full current manifest, or ErrNoManifest.
	Manifest(ctx context.Context) (*Manifest, error)

	// SetManifest replaces the manifest and its version marker.
	SetManifest(ctx context.Context, m *Manifest) error

	// LastCronRun returns the heartbeat timestamp; ok is false when no
	// heartbeat has ever been written.
	LastCronRun(ctx context.Context) (time.Time, bool, error)

	// Heartbeat records a cron run.
	Heartbeat(ctx context.Context, at time.Time) error

	// Ping reports backend health.
	Ping(ctx context.Context) error

	Close() error
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	manifest *Manifest
	lastCron time.Time
	logger   zerolog.Logger
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{logger: logger}
}

func (m *MemoryStore) Version(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.manifest == nil {
		return 0, ErrNoManifest
	}
	return m.manifest.Version, nil
}

func (m *MemoryStore) Manifest(ctx context.Context) (*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.manifest == nil {
		return nil, ErrNoManifest
	}
	return m.manifest, nil
}

func (m *MemoryStore) SetManifest(ctx context.Context, manifest *Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest = manifest
	m.logger.Debug().Int64("version", manifest.Version).Msg("stored rule manifest in memory")
	return nil
}

func (m *MemoryStore) LastCronRun(ctx context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastCron.IsZero() {
		return time.Time{}, false, nil
	}
	return m.lastCron, true, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCron = at
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Redis key layout.
const (
	redisManifestKey = "optiview:rules:manifest"
	redisVersionKey  = "optiview:rules:version"
	redisCronKey     = "optiview:rules:last_cron"
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a Redis rule store.
func NewRedisStore(addr string, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   0,
	})
	return &RedisStore{client: client, logger: logger}
}

func (r *RedisStore) Version(ctx context.Context) (int64, error) {
	v, err := r.client.Get(ctx, redisVersionKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNoManifest
		}
		return 0, fmt.Errorf("redis get version error: %w", err)
	}
	return v, nil
}

func (r *RedisStore) Manifest(ctx context.Context) (*Manifest, error) {
	data, err := r.client.Get(ctx, redisManifestKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("redis get manifest error: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	r.logger.Debug().Int64("version", m.Version).Msg("retrieved rule manifest from redis")
	return &m, nil
}

func (r *RedisStore) SetManifest(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisManifestKey, data, 0)
	pipe.Set(ctx, redisVersionKey, m.Version, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set manifest error: %w", err)
	}
	return nil
}

func (r *RedisStore) LastCronRun(ctx context.Context) (time.Time, bool, error) {
	unix, err := r.client.Get(ctx, redisCronKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get heartbeat error: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

func (r *RedisStore) Heartbeat(ctx context.Context, at time.Time) error {
	if err := r.client.Set(ctx, redisCronKey, at.Unix(), 0).Err(); err != nil {
		return fmt.Errorf("redis set heartbeat error: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// NewStore creates a rule store for the configured backend.
func NewStore(backend, redisAddr string, logger zerolog.Logger) (Store, error) {
	switch backend {
	case "memory":
		logger.Info().Msg("using memory rule store backend")
		return NewMemoryStore(logger), nil
	case "redis":
		logger.Info().Str("redis_addr", redisAddr).Msg("using redis rule store backend")
		store := NewRedisStore(redisAddr, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported rule store backend: %s", backend)
	}
}
