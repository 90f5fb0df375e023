// Package pg implements the agreement and account stores on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"muwise.app/internal/reliability"
)

const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

// Store owns the connection pool shared by the table-specific stores.
type Store struct {
	db *sql.DB
}

func Open(dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Agreements() *Agreements { return &Agreements{db: s.db, retry: txRetry} }

func (s *Store) Users() *Users { return &Users{db: s.db} }

// txRetry re-runs serializable transactions that lost a conflict.
var txRetry = reliability.RetryConfig{
	MaxAttempts:       4,
	InitialBackoff:    10 * time.Millisecond,
	MaxBackoff:        200 * time.Millisecond,
	BackoffMultiplier: 2,
}

// inTx runs fn in a serializable transaction, retrying serialization failures.
func inTx[T any](ctx context.Context, db *sql.DB, cfg reliability.RetryConfig, op string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	return reliability.Do(ctx, cfg, op, func(ctx context.Context) (T, error) {
		var zero T
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return zero, err
		}
		defer func() { _ = tx.Rollback() }()

		out, err := fn(tx)
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			if retryable(err) {
				return zero, err
			}
			return zero, &reliability.Permanent{Err: err}
		}
		return out, nil
	})
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
