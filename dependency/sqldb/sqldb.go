// Package sqldb provides a database/sql dependency provider for PostgreSQL
// (lib/pq) and SQLite (go-sqlite3).
//
// By default workers receive the shared *sql.DB. With WithTransactions each
// worker receives its own *sql.Tx, committed when the worker succeeds and
// rolled back when it fails.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/svcflow/internal/runtime"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

const (
	// DefaultConfigKey is the configuration key the DSN is read from.
	DefaultConfigKey = "db.uri"
	// DefaultMaxOpenConns caps the pool of PostgreSQL connections.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns caps idle PostgreSQL connections.
	DefaultMaxIdleConns = 5
	// DefaultPingTimeout bounds the connectivity check run at setup.
	DefaultPingTimeout = 5 * time.Second
)

// Config holds the connection settings.
type Config struct {
	// DSN is a postgres:// URL, a sqlite:// URL or a file: / :memory: path.
	// When empty it is read from ConfigKey.
	DSN string
	// ConfigKey is where the DSN is looked up. Defaults to "db.uri".
	ConfigKey string
	// Transactional hands each worker its own transaction.
	Transactional bool
	// MaxOpenConns and MaxIdleConns apply to PostgreSQL. SQLite always
	// uses a single connection.
	MaxOpenConns int
	MaxIdleConns int
	// Schema, when set, is executed once at setup.
	Schema string
}

func (c Config) withDefaults() Config {
	if c.ConfigKey == "" {
		c.ConfigKey = DefaultConfigKey
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

// Option customises the provider.
type Option func(*Config)

// WithDSN sets the data source name, taking precedence over configuration.
func WithDSN(dsn string) Option {
	return func(c *Config) { c.DSN = dsn }
}

// WithConfigKey reads the DSN from key.
func WithConfigKey(key string) Option {
	return func(c *Config) { c.ConfigKey = key }
}

// WithTransactions hands every worker its own transaction.
func WithTransactions() Option {
	return func(c *Config) { c.Transactional = true }
}

// WithSchema runs ddl once at setup.
func WithSchema(ddl string) Option {
	return func(c *Config) { c.Schema = ddl }
}

// WithPool sets the PostgreSQL connection pool limits.
func WithPool(maxOpen, maxIdle int) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// Provider opens one *sql.DB per service.
type Provider struct {
	cfg    Config
	db     *sql.DB
	logger loggingpkg.ServiceLogger
}

// New creates a SQL dependency provider.
func New(opts ...Option) *Provider {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{cfg: cfg.withDefaults()}
}

// DriverFor maps a DSN to its database/sql driver name and the connection
// string the driver expects.
func DriverFor(dsn string) (driver, conn string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		return "sqlite3", dsn, nil
	default:
		return "", "", fmt.Errorf("sqldb: unsupported dsn %q", redact(dsn))
	}
}

// Setup opens the database, checks connectivity and applies the schema.
func (p *Provider) Setup(ctx context.Context, pc runtime.ProviderContext) error {
	p.logger = pc.Logger
	if p.logger == nil {
		p.logger = loggingpkg.NewNopLogger()
	}

	dsn := p.cfg.DSN
	if dsn == "" && pc.Config != nil {
		if v, ok := pc.Config.Get(p.cfg.ConfigKey); ok {
			dsn, _ = v.(string)
		}
	}
	if dsn == "" {
		return fmt.Errorf("sqldb: no dsn for service %s (config key %q)", pc.Service, p.cfg.ConfigKey)
	}
	driver, conn, err := DriverFor(dsn)
	if err != nil {
		return err
	}

	db, err := sql.Open(driver, conn)
	if err != nil {
		return fmt.Errorf("sqldb: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqldb: ping %s: %w", redact(dsn), err)
	}
	if p.cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, p.cfg.Schema); err != nil {
			_ = db.Close()
			return fmt.Errorf("sqldb: apply schema: %w", err)
		}
	}

	p.db = db
	p.logger.Debug("Database ready", loggingpkg.LogFields{
		"service":       pc.Service,
		"driver":        driver,
		"transactional": p.cfg.Transactional,
	})
	return nil
}

// Acquire returns the shared *sql.DB, or a new *sql.Tx in transactional mode.
func (p *Provider) Acquire(ctx context.Context, _ runtime.WorkerInfo) (any, error) {
	if p.db == nil {
		return nil, errors.New("sqldb: provider not set up")
	}
	if !p.cfg.Transactional {
		return p.db, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqldb: begin: %w", err)
	}
	return tx, nil
}

// Release commits the worker's transaction when it succeeded and rolls it
// back otherwise.
func (p *Provider) Release(w runtime.WorkerInfo, value any, err error) {
	tx, ok := value.(*sql.Tx)
	if !ok {
		return
	}
	fields := loggingpkg.LogFields{"service": w.Service, "entrypoint": w.Entrypoint, "call_id": w.CallID}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Error("Failed to roll back worker transaction", rbErr, fields)
		}
		return
	}
	if cErr := tx.Commit(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) {
		p.logger.Error("Failed to commit worker transaction", cErr, fields)
	}
}

// Stop closes the database.
func (p *Provider) Stop(context.Context) error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
