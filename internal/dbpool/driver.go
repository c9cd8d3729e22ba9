package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	// Registers the "sqlserver" database/sql driver.
	_ "github.com/microsoft/go-mssqldb"

	"github.com/gantry-io/gantry/internal/config"
)

// Conn is one physical database connection owned by a pool.
type Conn interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Exec runs a statement and discards any result. Used for health
	// probe queries.
	Exec(ctx context.Context, query string) error
	// Close tears the connection down.
	Close(ctx context.Context) error
}

// Driver dials new connections for one configured database.
type Driver interface {
	// Kind is the normalized driver name: postgres, mysql, or sqlserver.
	Kind() string
	// Connect establishes one new connection.
	Connect(ctx context.Context) (Conn, error)
}

// NewDriver builds a Driver from a pool descriptor. Driver kinds accept the
// common aliases (postgresql, mssql) case-insensitively.
func NewDriver(cfg config.Pool) (Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		return &pgxDriver{connString: postgresDSN(cfg)}, nil
	case "mysql":
		return &sqlDriver{kind: "mysql", dsn: mysqlDSN(cfg)}, nil
	case "sqlserver", "mssql":
		return &sqlDriver{kind: "sqlserver", dsn: sqlserverDSN(cfg)}, nil
	default:
		return nil, fmt.Errorf("pool %q: unsupported driver %q", cfg.Name, cfg.Driver)
	}
}

func postgresDSN(cfg config.Pool) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func mysqlDSN(cfg config.Pool) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	for k, v := range cfg.Params {
		if mc.Params == nil {
			mc.Params = map[string]string{}
		}
		mc.Params[k] = v
	}
	return mc.FormatDSN()
}

func sqlserverDSN(cfg config.Pool) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// pgxDriver dials native pgx connections.
type pgxDriver struct {
	connString string
}

func (d *pgxDriver) Kind() string { return "postgres" }

func (d *pgxDriver) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, d.connString)
	if err != nil {
		return nil, err
	}
	return &PgxConn{conn: conn}, nil
}

// PgxConn wraps a native pgx connection. Handlers that need the full pgx API
// type-assert the pool connection's Conn to *PgxConn and use Raw.
type PgxConn struct {
	conn *pgx.Conn
}

func (c *PgxConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *PgxConn) Exec(ctx context.Context, query string) error {
	_, err := c.conn.Exec(ctx, query)
	return err
}

func (c *PgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

// Raw exposes the underlying pgx connection.
func (c *PgxConn) Raw() *pgx.Conn { return c.conn }

// sqlDriver dials connections through database/sql for drivers without a
// native interface here (mysql, sqlserver). Each Conn is its own *sql.DB
// capped at a single connection so the pool above stays in charge of
// pooling.
type sqlDriver struct {
	kind string
	dsn  string
}

func (d *sqlDriver) Kind() string { return d.kind }

func (d *sqlDriver) Connect(ctx context.Context) (Conn, error) {
	db, err := sql.Open(d.kind, d.dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLConn{db: db}, nil
}

// SQLConn wraps a single-connection *sql.DB. Handlers type-assert to reach
// the standard database/sql API via Raw.
type SQLConn struct {
	db *sql.DB
}

func (c *SQLConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *SQLConn) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

func (c *SQLConn) Close(context.Context) error { return c.db.Close() }

// Raw exposes the underlying database handle.
func (c *SQLConn) Raw() *sql.DB { return c.db }
