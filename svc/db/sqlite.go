package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"cinder/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

const pasteColumns = `id, extension, kind, data, salt, nonce, wrapped_key, kdf, burn, created_at, expires_at`

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	quit          chan struct{}
	done          chan struct{}
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database, so pin one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN sets per-connection pragmas; a PRAGMA statement would only
// reach whichever pooled connection ran it.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_synchronous=FULL"
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		extension TEXT NOT NULL DEFAULT '',
		kind INTEGER NOT NULL,
		data BLOB NOT NULL,
		salt BLOB,
		nonce BLOB,
		wrapped_key BLOB,
		kdf TEXT NOT NULL DEFAULT '',
		burn INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
	`
	_, err = s.db.Exec(query)
	return err
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraint(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullableExpiry(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func (s *SQLite) Put(ctx context.Context, p *domain.Paste) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := s.checkCircuit(); err != nil {
		return unavailable("put", err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	r := toRow(p)
	_, err := s.db.ExecContext(queryCtx, `INSERT INTO pastes (`+pasteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Extension, int(r.Content.Kind), r.Content.Data, r.Content.Salt, r.Content.Nonce, r.Content.WrappedKey,
		r.Content.KDF, r.Burn, r.CreatedAt, nullableExpiry(r.ExpiresAt),
	)
	s.recordError(err)
	if err != nil {
		if isConstraint(err) {
			return domain.ErrConflict
		}
		return unavailable("put", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPaste(sc scanner) (*domain.Paste, error) {
	var (
		r       row
		kind    int
		expires sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.Extension, &kind, &r.Content.Data, &r.Content.Salt, &r.Content.Nonce,
		&r.Content.WrappedKey, &r.Content.KDF, &r.Burn, &r.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	r.Content.Kind = domain.ContentKind(kind)
	r.ExpiresAt = expires.Int64
	return r.paste()
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	return s.queryOne(ctx, "get", `SELECT `+pasteColumns+` FROM pastes WHERE id = ?`, id)
}

// Take deletes and returns the row in one statement, so only one caller
// can ever see it.
func (s *SQLite) Take(ctx context.Context, id string) (*domain.Paste, error) {
	return s.queryOne(ctx, "take", `DELETE FROM pastes WHERE id = ? RETURNING `+pasteColumns, id)
}

func (s *SQLite) queryOne(ctx context.Context, op, q, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := s.checkCircuit(); err != nil {
		return nil, unavailable(op, err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if errors.Is(err, domain.ErrCryptoFailure) {
		return nil, err
	}
	s.recordError(err)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return p, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := s.checkCircuit(); err != nil {
		return unavailable("delete", err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *SQLite) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, unavailable("sweep", err)
	}
	limiter := newSweepLimiter()
	totalDeleted := 0
	for i := 0; i < sweepMaxLoops; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return totalDeleted, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, now.UnixNano(), sweepBatch)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, unavailable("sweep", err)
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < sweepBatch {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("sweep hit iteration limit, more records may exist")
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return unavailable("ping", err)
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// StartMaintenance runs periodic WAL checkpoints until Close.
func (s *SQLite) StartMaintenance(interval time.Duration) {
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		runWALMaintenance(s.db, interval, s.quit)
	}()
}

func (s *SQLite) Close() error {
	if s.quit != nil {
		close(s.quit)
		<-s.done
	}
	return s.db.Close()
}
