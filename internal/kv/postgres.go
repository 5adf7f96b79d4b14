package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDB is the minimal interface shared by *pgxpool.Pool and pgx.Tx, so the
// tier works inside or outside a transaction.
type PgxDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTier is a server-side tier backed by PostgreSQL. Deployments that
// run subguard alongside an application database can use it as the
// service-level tier instead of (or in addition to) Redis.
type PostgresTier struct {
	db PgxDB
}

// NewPostgresTier wraps an existing pgx pool or transaction.
func NewPostgresTier(db PgxDB) *PostgresTier {
	return &PostgresTier{db: db}
}

// EnsurePostgresSchema creates the backing table. Call once at startup with
// the pool; the tier itself never issues DDL.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subguard_kv (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("creating subguard_kv table: %w", err)
	}
	return nil
}

func (p *PostgresTier) Name() string { return "postgres" }

func (p *PostgresTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRow(ctx,
		`SELECT value FROM subguard_kv WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresTier) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO subguard_kv (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres set %q: %w", key, err)
	}
	return nil
}

func (p *PostgresTier) Delete(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM subguard_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}
