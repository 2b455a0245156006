package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresRegistry implements Registry on top of a relational store.
type PostgresRegistry struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewPostgresRegistry opens a Postgres-backed registry and verifies the
// connection.
func NewPostgresRegistry(dsn string, logger zerolog.Logger) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	return &PostgresRegistry{db: db, logger: logger, now: time.Now}, nil
}

const credentialColumns = `key_id, project_id, active_secret, COALESCE(grace_secret, ''),
	COALESCE(grace_expires_at, 'epoch'::timestamptz), COALESCE(revoked_at, 'epoch'::timestamptz),
	COALESCE(last_used_at, 'epoch'::timestamptz), grace_use_count, created_at`

func scanCredential(row *sql.Row) (*Credential, error) {
	var cred Credential
	err := row.Scan(&cred.KeyID, &cred.ProjectID, &cred.ActiveSecret, &cred.GraceSecret,
		&cred.GraceExpiresAt, &cred.RevokedAt, &cred.LastUsedAt, &cred.GraceUseCount, &cred.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	// Sentinel epochs come back as the zero-value signal.
	epoch := time.Unix(0, 0)
	if !cred.GraceExpiresAt.After(epoch) {
		cred.GraceExpiresAt = time.Time{}
	}
	if !cred.RevokedAt.After(epoch) {
		cred.RevokedAt = time.Time{}
	}
	if !cred.LastUsedAt.After(epoch) {
		cred.LastUsedAt = time.Time{}
	}
	return &cred, nil
}

func (p *PostgresRegistry) Get(ctx context.Context, keyID string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM api_keys WHERE key_id = $1`, keyID)
	return scanCredential(row)
}

func (p *PostgresRegistry) Create(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, project_id, active_secret, created_at, grace_use_count)
		 VALUES ($1, $2, $3, $4, 0)`,
		cred.KeyID, cred.ProjectID, cred.ActiveSecret, p.now())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	p.logger.Debug().Str("key_id", cred.KeyID).Msg("stored credential in postgres")
	return nil
}

func (p *PostgresRegistry) Rotate(ctx context.Context, keyID string, immediate bool) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}

	var res sql.Result
	if immediate {
		res, err = p.db.ExecContext(ctx,
			`UPDATE api_keys
			 SET active_secret = $1, grace_secret = NULL, grace_expires_at = NULL
			 WHERE key_id = $2`,
			secret, keyID)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE api_keys
			 SET grace_secret = active_secret, grace_expires_at = $1, active_secret = $2
			 WHERE key_id = $3`,
			p.now().Add(GraceWindow), secret, keyID)
	}
	if err != nil {
		return "", fmt.Errorf("rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}

	p.logger.Info().Str("key_id", keyID).Bool("immediate", immediate).Msg("rotated api key secret")
	return secret, nil
}

func (p *PostgresRegistry) Revoke(ctx context.Context, keyID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys
		 SET revoked_at = $1, grace_secret = NULL, grace_expires_at = NULL
		 WHERE key_id = $2`,
		p.now(), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p.logger.Info().Str("key_id", keyID).Msg("revoked api key")
	return nil
}

func (p *PostgresRegistry) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE key_id = $2`, at, keyID)
	if err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) IncrementGraceUse(ctx context.Context, keyID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET grace_use_count = grace_use_count + 1 WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("increment grace use: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping error: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) Close() error {
	return p.db.Close()
}

// NewRegistry creates a registry for the configured backend.
func NewRegistry(backend, postgresDSN string, logger zerolog.Logger) (Registry, error) {
	switch backend {
	case "memory":
		logger.Info().Msg("using memory key registry backend")
		return NewMemoryRegistry(logger), nil
	case "postgres":
		logger.Info().Msg("using postgres key registry backend")
		return NewPostgresRegistry(postgresDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported registry backend: %s", backend)
	}
}
