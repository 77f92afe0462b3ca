package snapshot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of *pgxpool.Pool used by PostgresStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps one snapshot row per profile.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	db      querier
	schema  string
	profile string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "warden").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("%w: empty schema", ErrConfig)
		}
		if !isValidPGIdent(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrConfig)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store for profile.
func NewPostgresStore(db querier, profile string, opts ...PostgresOption) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	if !ValidProfile(profile) {
		return nil, fmt.Errorf("%w: invalid profile %q", ErrConfig, profile)
	}
	st := &PostgresStore{db: db, schema: "warden", profile: profile}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "session_snapshots")
}

// EnsureSchema creates the schema and table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("snapshot postgres schema: %w", err)
	}
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+s.table()+` (
  profile          TEXT PRIMARY KEY,
  auth_user        BYTEA NOT NULL,
  is_authenticated BOOLEAN NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("snapshot postgres table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context) ([]byte, bool, error) {
	var (
		payload []byte
		present bool
	)
	err := s.db.QueryRow(ctx,
		`SELECT auth_user, is_authenticated FROM `+s.table()+` WHERE profile = $1`,
		s.profile,
	).Scan(&payload, &present)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot postgres read: %w", err)
	}

	flag := ""
	if present {
		flag = flagTrue
	}
	return resolvePair(flag, payload)
}

func (s *PostgresStore) Write(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO `+s.table()+` (profile, auth_user, is_authenticated, updated_at)
VALUES ($1, $2, true, now())
ON CONFLICT (profile) DO UPDATE
SET auth_user = EXCLUDED.auth_user, is_authenticated = true, updated_at = now()`,
		s.profile, payload,
	)
	if err != nil {
		return fmt.Errorf("snapshot postgres write: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM `+s.table()+` WHERE profile = $1`, s.profile); err != nil {
		return fmt.Errorf("snapshot postgres clear: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
