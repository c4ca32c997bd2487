package db

import (
	"context"
	"time"

	"cinder/pkg/domain"
	"cinder/svc/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// migrations are applied in order and recorded in schema_migrations.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_pastes",
		SQL: `
			CREATE TABLE IF NOT EXISTS pastes (
				id          VARCHAR(32) PRIMARY KEY,
				extension   VARCHAR(16) NOT NULL DEFAULT '',
				kind        SMALLINT    NOT NULL,
				data        BYTEA       NOT NULL,
				salt        BYTEA,
				nonce       BYTEA,
				wrapped_key BYTEA,
				kdf         TEXT        NOT NULL DEFAULT '',
				burn        BOOLEAN     NOT NULL DEFAULT FALSE,
				created_at  BIGINT      NOT NULL,
				expires_at  BIGINT
			);
			CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
		`,
	},
}

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

func NewPostgres(ctx context.Context, databaseURL string, maxConns int, queryTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	p := &Postgres{pool: pool, queryTimeout: queryTimeout}
	if err := p.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	util.Info().Msg("connected to postgres")
	return p, nil
}

func (p *Postgres) runMigrations(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return errors.Wrap(err, "create migrations table")
	}
	for _, m := range migrations {
		var exists bool
		err := p.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return errors.Wrapf(err, "check migration %s", m.Version)
		}
		if exists {
			continue
		}
		err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "apply migration %s", m.Version)
		}
		util.Info().Str("version", m.Version).Msg("applied migration")
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, paste *domain.Paste) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	r := toRow(paste)
	var expires *int64
	if r.ExpiresAt != 0 {
		expires = &r.ExpiresAt
	}
	tag, err := p.pool.Exec(queryCtx, `
		INSERT INTO pastes (`+pasteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Extension, int16(r.Content.Kind), r.Content.Data, r.Content.Salt, r.Content.Nonce,
		r.Content.WrappedKey, r.Content.KDF, r.Burn, r.CreatedAt, expires)
	if err != nil {
		return unavailable("put", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func scanPgPaste(pr pgx.Row) (*domain.Paste, error) {
	var (
		r       row
		kind    int16
		expires *int64
	)
	err := pr.Scan(&r.ID, &r.Extension, &kind, &r.Content.Data, &r.Content.Salt, &r.Content.Nonce,
		&r.Content.WrappedKey, &r.Content.KDF, &r.Burn, &r.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	r.Content.Kind = domain.ContentKind(kind)
	if expires != nil {
		r.ExpiresAt = *expires
	}
	return r.paste()
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	return p.queryOne(ctx, "get", `SELECT `+pasteColumns+` FROM pastes WHERE id = $1`, id)
}

func (p *Postgres) Take(ctx context.Context, id string) (*domain.Paste, error) {
	return p.queryOne(ctx, "take", `DELETE FROM pastes WHERE id = $1 RETURNING `+pasteColumns, id)
}

func (p *Postgres) queryOne(ctx context.Context, op, q, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	paste, err := scanPgPaste(p.pool.QueryRow(queryCtx, q, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, domain.ErrNotFound
	case errors.Is(err, domain.ErrCryptoFailure):
		return nil, err
	case err != nil:
		return nil, unavailable(op, err)
	}
	return paste, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	if _, err := p.pool.Exec(queryCtx, "DELETE FROM pastes WHERE id = $1", id); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	limiter := newSweepLimiter()
	totalDeleted := 0
	for i := 0; i < sweepMaxLoops; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return totalDeleted, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		tag, err := p.pool.Exec(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= $1
				LIMIT $2
			)
		`, now.UnixNano(), sweepBatch)
		cancel()
		if err != nil {
			return totalDeleted, unavailable("sweep", err)
		}
		deleted := int(tag.RowsAffected())
		totalDeleted += deleted
		if deleted < sweepBatch {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("sweep hit iteration limit, more records may exist")
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
