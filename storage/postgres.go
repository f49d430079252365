package storage

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"expired_passports/config"
)

type Postgres struct {
	conn *pgx.Conn
}

// OpenPostgres opens a dedicated connection, not a pool: the staging table
// is a temp table and must be seen by every later statement.
func OpenPostgres(ctx context.Context, cfg config.Database) (*Postgres, error) {
	pc, err := pgx.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnectTimeout = cfg.ConnectTimeout
	}

	dialer := &net.Dialer{Timeout: pc.ConnectTimeout, KeepAlive: 5 * time.Minute}
	socketTimeout := cfg.SocketTimeout
	pc.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if socketTimeout <= 0 {
			return c, nil
		}
		return &deadlineConn{Conn: c, timeout: socketTimeout}, nil
	}

	conn, err := pgx.ConnectConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return &Postgres{conn: conn}, nil
}

func (p *Postgres) Exec(ctx context.Context, sql string) error {
	_, err := p.conn.PgConn().Exec(ctx, sql).ReadAll()
	return err
}

func (p *Postgres) Begin(ctx context.Context) error    { return p.Exec(ctx, "begin") }
func (p *Postgres) Commit(ctx context.Context) error   { return p.Exec(ctx, "commit") }
func (p *Postgres) Rollback(ctx context.Context) error { return p.Exec(ctx, "rollback") }

func (p *Postgres) CopyFrom(ctx context.Context, table string, columns []string, src RowSource) (int64, error) {
	return p.conn.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
}

func (p *Postgres) QueryInt(ctx context.Context, sql string) (int64, error) {
	var n int64
	err := p.conn.QueryRow(ctx, sql).Scan(&n)
	return n, err
}

func (p *Postgres) StagingDDL(table string) string {
	return fmt.Sprintf(`create temp table %s (
  id     bigserial,
  serie  character varying(15) null,
  number character varying(15) null,
  raw    character varying(30) not null
)`, pgx.Identifier{table}.Sanitize())
}

func (p *Postgres) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

// deadlineConn bounds every socket read and write, like SO_RCVTIMEO and
// SO_SNDTIMEO on the raw descriptor. While a deadline set through
// SetDeadline is in force (pgconn sets one in the past to interrupt a
// cancelled call) the per-call deadline is not applied, so it cannot
// postpone the interruption.
type deadlineConn struct {
	net.Conn
	timeout time.Duration

	mu     sync.Mutex
	pinned bool
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = !t.IsZero()
	return c.Conn.SetDeadline(t)
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.arm(c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.arm(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (c *deadlineConn) arm(set func(time.Time) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned {
		return nil
	}
	return set(time.Now().Add(c.timeout))
}
