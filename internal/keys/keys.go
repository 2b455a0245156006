// Package keys holds API key credentials and the registry they live in.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GraceWindow is how long a rotated-out secret keeps validating requests.
const GraceWindow = 24 * time.Hour

// ErrNotFound is returned when a key ID has no credential.
var ErrNotFound = errors.New("api key not found")

// Credential is the server-side record for one API key.
//
// ActiveSecret is the HMAC key material clients sign with. GraceSecret is
// the previous secret, valid only while GraceExpiresAt is in the future
// and the key is not revoked. At most one grace secret is live at a time.
type Credential struct {
	KeyID          string
	ProjectID      int64
	ActiveSecret   string
	GraceSecret    string
	GraceExpiresAt time.Time
	RevokedAt      time.Time
	LastUsedAt     time.Time
	GraceUseCount  int64
	CreatedAt      time.Time
}

// Revoked reports whether the key has been revoked.
func (c *Credential) Revoked() bool {
	return !c.RevokedAt.IsZero()
}

// GraceValidAt reports whether the grace secret may validate signatures
// at the given instant.
func (c *Credential) GraceValidAt(now time.Time) bool {
	return c.GraceSecret != "" && now.Before(c.GraceExpiresAt) && !c.Revoked()
}

// Registry stores credentials. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Get returns the credential for a key ID, or ErrNotFound.
	Get(ctx context.Context, keyID string) (*Credential, error)

	// Create installs a brand-new credential.
	Create(ctx context.Context, cred *Credential) error

	// Rotate swaps in a new active secret. When immediate is true the old
	// secret dies on the spot; otherwise it moves into the grace slot with
	// a GraceWindow expiry. Returns the new plaintext secret, shown to the
	// caller exactly once.
	Rotate(ctx context.Context, keyID string, immediate bool) (string, error)

	// Revoke invalidates the key and clears any grace secret.
	Revoke(ctx context.Context, keyID string) error

	// TouchLastUsed records a successful authentication.
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error

	// IncrementGraceUse bumps the grace-path counter so rotations can be
	// observed before the window closes.
	IncrementGraceUse(ctx context.Context, keyID string) error

	// Ping reports backend health.
	Ping(ctx context.Context) error

	Close() error
}

// NewKeyID returns a fresh key identifier.
func NewKeyID() string {
	return "ok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSecret returns fresh HMAC key material.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "os_" + hex.EncodeToString(buf), nil
}
