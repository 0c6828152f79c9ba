// Package database opens the SQL handle backing the run ledger. Postgres URLs
// go through pgx; sqlite:// and file: URLs go through go-sqlite3 so a single
// workstation can keep a ledger without a server.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jingyi7777/adapt-seq-design/internal/platform/env"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Enabled reports whether a ledger URL was configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("ADAPT_LEDGER_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("ADAPT_LEDGER_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("ADAPT_LEDGER_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("ADAPT_LEDGER_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := env.Duration("ADAPT_LEDGER_CONN_MAX_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             env.String("ADAPT_LEDGER_URL", ""),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return errors.New("ADAPT_LEDGER_URL is required")
	}
	if _, _, err := driverFor(c.URL); err != nil {
		return err
	}
	if c.PingTimeout <= 0 {
		return errors.New("ADAPT_LEDGER_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("ADAPT_LEDGER_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("ADAPT_LEDGER_MAX_IDLE_CONNS must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("ADAPT_LEDGER_MAX_IDLE_CONNS must be <= ADAPT_LEDGER_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("ADAPT_LEDGER_CONN_MAX_LIFETIME must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("ADAPT_LEDGER_CONN_MAX_IDLE_TIME must be >= 0")
	}
	return nil
}

// Dialect returns the SQL dialect implied by the URL scheme.
func (c Config) Dialect() (Dialect, error) {
	_, _, err := driverFor(c.URL)
	if err != nil {
		return "", err
	}
	if isSQLite(c.URL) {
		return DialectSQLite, nil
	}
	return DialectPostgres, nil
}

func isSQLite(url string) bool {
	return strings.HasPrefix(url, "sqlite://") || strings.HasPrefix(url, "file:")
}

// driverFor maps a ledger URL to a database/sql driver name and DSN.
func driverFor(url string) (string, string, error) {
	url = strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return "", "", errors.New("ADAPT_LEDGER_URL sqlite path is empty")
		}
		return "sqlite3", "file:" + path + "?_busy_timeout=5000", nil
	case strings.HasPrefix(url, "file:"):
		return "sqlite3", url, nil
	default:
		return "", "", fmt.Errorf("ADAPT_LEDGER_URL has unsupported scheme: %q", url)
	}
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, dsn, err := driverFor(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under the worker pool.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(cfg.MaxIdleConns, maxOpen))
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}
