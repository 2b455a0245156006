package keys

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryRegistry implements Registry with an in-process map. Used in
// tests and single-node development.
type MemoryRegistry struct {
	mu     sync.RWMutex
	creds  map[string]*Credential
	logger zerolog.Logger
	now    func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(logger zerolog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		creds:  make(map[string]*Credential),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the registry clock. Test hook.
func (m *MemoryRegistry) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryRegistry) Get(ctx context.Context, keyID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.creds[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (m *MemoryRegistry) Create(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cred
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.creds[cp.KeyID] = &cp
	m.logger.Debug().Str("key_id", cp.KeyID).Msg("stored credential in memory")
	return nil
}

func (m *MemoryRegistry) Rotate(ctx context.Context, keyID string, immediate bool) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[keyID]
	if !ok {
		return "", ErrNotFound
	}

	if immediate {
		cred.ActiveSecret = secret
		cred.GraceSecret = ""
		cred.GraceExpiresAt = time.Time{}
	} else {
		cred.GraceSecret = cred.ActiveSecret
		cred.GraceExpiresAt = m.now().Add(GraceWindow)
		cred.ActiveSecret = secret
	}

	m.logger.Info().Str("key_id", keyID).Bool("immediate", immediate).Msg("rotated api key secret")
	return secret, nil
}

func (m *MemoryRegistry) Revoke(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[keyID]
	if !ok {
		return ErrNotFound
	}
	cred.RevokedAt = m.now()
	cred.GraceSecret = ""
	cred.GraceExpiresAt = time.Time{}
	m.logger.Info().Str("key_id", keyID).Msg("revoked api key")
	return nil
}

func (m *MemoryRegistry) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred, ok := m.creds[keyID]; ok {
		cred.LastUsedAt = at
	}
	return nil
}

func (m *MemoryRegistry) IncrementGraceUse(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred, ok := m.creds[keyID]; ok {
		cred.GraceUseCount++
	}
	return nil
}

func (m *MemoryRegistry) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryRegistry) Close() error {
	return nil
}
