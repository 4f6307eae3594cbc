// Package postgres owns the PostgreSQL connection: a pgx-backed primary and
// replica pool behind a dbresolver, and golang-migrate schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultMigrationsPath  = "migrations"
)

var (
	// ErrPrimaryDSNRequired is returned when Connect runs without a primary DSN.
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	// ErrNotConnected is returned by accessors used before Connect.
	ErrNotConnected = errors.New("postgres is not connected")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes how to reach the database.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN         string
	DBName             string
	MigrationsPath     string
	SkipMigrations     bool
	MaxOpenConnections int
	MaxIdleConnections int
}

// Connection is the process-wide PostgreSQL handle.
type Connection struct {
	cfg          Config
	logger       log.Logger
	primary      *sql.DB
	replica      *sql.DB
	connectionDB dbresolver.DB
	mu           sync.RWMutex
}

// New returns an unconnected Connection.
func New(cfg Config, logger log.Logger) *Connection {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if strings.TrimSpace(cfg.MigrationsPath) == "" {
		cfg.MigrationsPath = defaultMigrationsPath
	}

	return &Connection{cfg: cfg, logger: logger}
}

// Connect opens both pools, applies pending migrations on the primary and
// pings through the resolver. Calling it again reconnects.
func (conn *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if strings.TrimSpace(conn.cfg.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.connectionDB != nil {
		if err := conn.closeLocked(); err != nil {
			conn.logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := conn.open(ctx, conn.cfg.PrimaryDSN, "primary")
	if err != nil {
		return err
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := conn.open(ctx, conn.cfg.ReplicaDSN, "replica")
	if err != nil {
		return err
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	connectionDB, err := createResolverFn(primary, replica)
	if err != nil {
		conn.logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if !conn.cfg.SkipMigrations {
		migrationsPath, err := sanitizePath(conn.cfg.MigrationsPath)
		if err != nil {
			return err
		}

		if err := runMigrationsFn(ctx, primary, migrationsPath, conn.cfg.DBName, conn.logger); err != nil {
			return err
		}
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		conn.logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeSensitiveError(err)))
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	conn.primary = primary
	conn.replica = replica
	conn.connectionDB = connectionDB
	success = true

	conn.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (conn *Connection) open(ctx context.Context, dsn, role string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.logger.Log(ctx, log.LevelError, "failed to open database", log.String("role", role), log.String("error", sanitized))

		return nil, fmt.Errorf("failed to connect to %s database: %s", role, sanitized)
	}

	db.SetMaxOpenConns(conn.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(conn.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Primary returns the write pool. Units of work and conditional updates run here.
func (conn *Connection) Primary() (*sql.DB, error) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if conn.primary == nil {
		return nil, ErrNotConnected
	}

	return conn.primary, nil
}

// Resolver returns the primary/replica router.
func (conn *Connection) Resolver() (dbresolver.DB, error) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if conn.connectionDB == nil {
		return nil, ErrNotConnected
	}

	return conn.connectionDB, nil
}

// Ping checks every pool behind the resolver.
func (conn *Connection) Ping(ctx context.Context) error {
	resolver, err := conn.Resolver()
	if err != nil {
		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %s", sanitizeSensitiveError(err))
	}

	return nil
}

// IsConnected reports whether Connect succeeded and Close was not called since.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connectionDB != nil
}

// Close releases both pools.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.connectionDB == nil {
		return nil
	}

	err := conn.connectionDB.Close()
	conn.connectionDB = nil
	conn.primary = nil
	conn.replica = nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(ctx context.Context, primary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(primary, &migratepostgres.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to load migrations", log.Err(err))
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration left a dirty version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
