// Package store implements DocumentStore: validated, transactional
// document storage with schema versioning, indexed queries, and the
// system tables (_metadata, _documents, _schema_versions) every other
// component reads through its public surface only.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/config"
	"github.com/nexusdb/nexus/internal/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InvalidationFunc is invoked once per committed write, after commit,
// naming the table and the ids that changed. DocumentStore never
// blocks waiting on it; it is expected to enqueue and return quickly.
type InvalidationFunc func(table string, changedIDs []string)

// Store is a DocumentStore instance backed by a single Postgres
// connection pool. All persisted rows and the schema are reached
// exclusively through its methods.
type Store struct {
	pool       *pgxpool.Pool
	cfg        config.DatabaseConfig
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	registry   *schemaRegistry
	onCommit   InvalidationFunc
}

// Open creates the connection pool, pings it, and loads the currently
// applied schema from _schema_versions/_metadata into memory. Callers
// must call Migrate before Open on a fresh database.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			log.Debug().Err(err).Msg("discarding unhealthy connection from pool")
			return false
		}
		return true
	}

	// Avoids stale prepared-statement caching across schema changes
	// (e.g. after apply_migration alters a user table).
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{
		pool:     pool,
		cfg:      cfg,
		registry: newSchemaRegistry(),
	}

	if err := s.loadSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to load schema: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("document store connection established")
	return s, nil
}

// SetMetrics attaches the process-wide metrics recorder.
func (s *Store) SetMetrics(m *observability.Metrics) { s.metrics = m }

// SetTracer attaches the process-wide tracer.
func (s *Store) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetInvalidationFunc registers the callback invoked after each
// committed write. DocumentStore owns no subscription state itself;
// this is its only coupling to InvalidationBus.
func (s *Store) SetInvalidationFunc(fn InvalidationFunc) { s.onCommit = fn }

// Pool returns the underlying connection pool, for components (like
// the scheduler) that need their own transactions against system
// tables DocumentStore does not itself expose an operation for.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	log.Info().Msg("document store connection closed")
}

// Migrate applies the embedded system-table migrations. It must run
// before Open's schema load on a fresh database.
func (s *Store) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	connStr := fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s&x-migrations-table=nexus_schema_migrations",
		s.cfg.User, s.cfg.Password, s.cfg.Host, s.cfg.Port, s.cfg.Database, s.cfg.SSLMode)

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, connStr)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Debug().AnErr("srcErr", srcErr).AnErr("dbErr", dbErr).Msg("migration close returned errors")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info().Msg("system migrations applied")
	return nil
}

func (s *Store) loadSchema(ctx context.Context) error {
	row := s.pool.QueryRow(ctx, `SELECT version, schema_hash FROM _schema_versions ORDER BY version DESC LIMIT 1`)
	var version int
	var hash string
	if err := row.Scan(&version, &hash); err != nil {
		if err == pgx.ErrNoRows {
			s.registry.set(&Schema{Tables: map[string]*TableSchema{}}, 0, "")
			return nil
		}
		return err
	}

	var raw []byte
	metaRow := s.pool.QueryRow(ctx, `SELECT value FROM _metadata WHERE key = 'schema'`)
	if err := metaRow.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			s.registry.set(&Schema{Tables: map[string]*TableSchema{}}, version, hash)
			return nil
		}
		return err
	}

	var schema Schema
	if err := unmarshalSchema(raw, &schema); err != nil {
		return err
	}
	schema.Version = version
	s.registry.set(&schema, version, hash)
	return nil
}
