// Package auth verifies signed ingestion requests against the key
// registry, including the rotation grace window.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/optiview/optiview-edge/internal/keys"
)

// Request headers carrying the signature material.
const (
	HeaderKeyID     = "x-optiview-key-id"
	HeaderSignature = "x-optiview-signature"
	HeaderTimestamp = "x-optiview-timestamp"
)

// MaxClockSkew bounds how far a request timestamp may drift from the
// server clock, in either direction.
const MaxClockSkew = 300 * time.Second

// Authentication failures. Responses collapse all of these into a
// generic 401 so callers cannot probe which check failed.
var (
	ErrMissingHeaders    = errors.New("missing authentication headers")
	ErrStaleTimestamp    = errors.New("timestamp outside allowed skew")
	ErrInvalidKey        = errors.New("invalid api key")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Identity is the result of a successful authentication.
type Identity struct {
	KeyID     string
	ProjectID int64
	UsedGrace bool
}

// Authenticator checks request signatures.
type Authenticator struct {
	registry keys.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an authenticator backed by the given registry.
func New(registry keys.Registry, logger zerolog.Logger) *Authenticator {
	return &Authenticator{registry: registry, logger: logger, now: time.Now}
}

// SetClock overrides the authenticator clock. Test hook.
func (a *Authenticator) SetClock(now func() time.Time) {
	a.now = now
}

// Sign computes the hex HMAC-SHA256 signature for a timestamp and body.
// Exported for client SDKs and tests.
func Sign(secret string, timestamp int64, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate verifies the signature headers against the raw body.
// It tries the active secret first, then a still-valid grace secret.
func (a *Authenticator) Authenticate(ctx context.Context, headers http.Header, rawBody []byte) (Identity, error) {
	keyID := headers.Get(HeaderKeyID)
	signature := headers.Get(HeaderSignature)
	tsRaw := headers.Get(HeaderTimestamp)
	if keyID == "" || signature == "" || tsRaw == "" {
		return Identity{}, ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad timestamp", ErrStaleTimestamp)
	}
	now := a.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return Identity{}, ErrStaleTimestamp
	}

	cred, err := a.registry.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			return Identity{}, ErrInvalidKey
		}
		// Registry unreachable degrades to an authentication failure, no
		// internal retry.
		a.logger.Error().Err(err).Str("key_id", keyID).Msg("key registry lookup failed")
		return Identity{}, ErrInvalidKey
	}
	if cred.Revoked() {
		return Identity{}, ErrInvalidKey
	}

	want := Sign(cred.ActiveSecret, ts, rawBody)
	if hmac.Equal([]byte(want), []byte(signature)) {
		a.afterSuccess(ctx, cred, now, false)
		return Identity{KeyID: keyID, ProjectID: cred.ProjectID, UsedGrace: false}, nil
	}

	if cred.GraceValidAt(now) {
		graceWant := Sign(cred.GraceSecret, ts, rawBody)
		if hmac.Equal([]byte(graceWant), []byte(signature)) {
			a.afterSuccess(ctx, cred, now, true)
			return Identity{KeyID: keyID, ProjectID: cred.ProjectID, UsedGrace: true}, nil
		}
	}

	return Identity{}, ErrSignatureMismatch
}

func (a *Authenticator) afterSuccess(ctx context.Context, cred *keys.Credential, now time.Time, usedGrace bool) {
	if err := a.registry.TouchLastUsed(ctx, cred.KeyID, now); err != nil {
		a.logger.Warn().Err(err).Str("key_id", cred.KeyID).Msg("failed to update last-used timestamp")
	}
	if usedGrace {
		if err := a.registry.IncrementGraceUse(ctx, cred.KeyID); err != nil {
			a.logger.Warn().Err(err).Str("key_id", cred.KeyID).Msg("failed to count grace-secret use")
		}
		a.logger.Info().Str("key_id", cred.KeyID).Msg("request authenticated with grace secret")
	}
}
