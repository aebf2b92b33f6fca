// Package pg is the Postgres persistence layer: indicator, TTP and feed
// repositories plus the trust store, all over database/sql with the pgx
// stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crisp.org/internal/intel"
	"crisp.org/internal/trust"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Indicators returns the indicator repository view of the store.
func (s *Store) Indicators() intel.IndicatorRepository { return (*pgIndicators)(s) }

// TTPs returns the TTP repository view of the store.
func (s *Store) TTPs() intel.TTPRepository { return (*pgTTPs)(s) }

// Feeds returns the feed repository view of the store.
func (s *Store) Feeds() intel.FeedRepository { return (*pgFeeds)(s) }

// Trust returns the trust store view.
func (s *Store) Trust() trust.Store { return (*pgTrust)(s) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
