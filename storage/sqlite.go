package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"expired_passports/config"
)

type SQLite struct {
	db   *sql.DB
	conn *sql.Conn
}

// OpenSQLite pins one connection of the pool for the whole run, so temp
// tables and BEGIN/COMMIT issued as plain statements stay on it.
func OpenSQLite(ctx context.Context, cfg config.Database) (*SQLite, error) {
	db, err := sql.Open(config.DriverSQLite, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=OFF;",
		"PRAGMA temp_store=MEMORY;",
	} {
		if _, err = conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			db.Close()
			return nil, err
		}
	}
	return &SQLite{db: db, conn: conn}, nil
}

func (s *SQLite) Exec(ctx context.Context, query string) error {
	_, err := s.conn.ExecContext(ctx, query)
	return err
}

func (s *SQLite) Begin(ctx context.Context) error    { return s.Exec(ctx, "BEGIN") }
func (s *SQLite) Commit(ctx context.Context) error   { return s.Exec(ctx, "COMMIT") }
func (s *SQLite) Rollback(ctx context.Context) error { return s.Exec(ctx, "ROLLBACK") }

// CopyFrom has no server-side COPY to use; rows go through one prepared
// insert on the pinned connection.
func (s *SQLite) CopyFrom(ctx context.Context, table string, columns []string, src RowSource) (int64, error) {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	stmt, err := s.conn.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var rows int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return rows, err
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return rows, err
		}
		rows++
	}
	return rows, src.Err()
}

func (s *SQLite) QueryInt(ctx context.Context, query string) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// StagingDDL mirrors the PostgreSQL definition. SQLite ignores varchar
// widths, so they are enforced with CHECK constraints.
func (s *SQLite) StagingDDL(table string) string {
	return fmt.Sprintf(`CREATE TEMP TABLE %s (
  id     INTEGER PRIMARY KEY AUTOINCREMENT,
  serie  VARCHAR(15) NULL CHECK (length(serie) <= 15),
  number VARCHAR(15) NULL CHECK (length(number) <= 15),
  raw    VARCHAR(30) NOT NULL CHECK (length(raw) <= 30)
)`, quoteIdent(table))
}

func (s *SQLite) Close(ctx context.Context) error {
	cerr := s.conn.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return cerr
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
