// Package storage holds the single database session a run works in.
//
// Two backends exist: PostgreSQL, the production target, reached through
// pgx and its COPY protocol; and SQLite, used for local dry runs and
// tests, where COPY is emulated with a prepared insert.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"expired_passports/config"
	"expired_passports/failure"
)

// RowSource yields rows for CopyFrom. It has the same method set as
// pgx.CopyFromSource.
type RowSource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

// Session is one live connection. Temporary tables created through it live
// exactly as long as it does. A Session is not safe for concurrent use.
type Session interface {
	// Exec runs sql as one simple-protocol command; several
	// semicolon-separated statements are allowed.
	Exec(ctx context.Context, sql string) error
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// CopyFrom runs one bulk copy of src into table and returns rows copied.
	CopyFrom(ctx context.Context, table string, columns []string, src RowSource) (int64, error)
	QueryInt(ctx context.Context, sql string) (int64, error)
	// StagingDDL returns the statement creating the session-scoped staging table.
	StagingDDL(table string) string
	Close(ctx context.Context) error
}

// Open connects using the configured driver. Failures are of kind
// failure.Connection.
func Open(ctx context.Context, cfg config.Database) (Session, error) {
	var (
		s   Session
		err error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg)
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg)
	default:
		err = fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, failure.New(failure.Connection, err, "connect to %s", cfg.Target())
	}
	return s, nil
}

// ServerMessage extracts the diagnostic reported by the database server, if
// err carries one.
func ServerMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg := fmt.Sprintf("%s: %s (SQLSTATE %s)", pgErr.Severity, pgErr.Message, pgErr.Code)
		if pgErr.Detail != "" {
			msg += ": " + pgErr.Detail
		}
		return msg
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Error()
	}
	return ""
}
