package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationManager manages database migrations
type MigrationManager struct {
	migrate *migrate.Migrate
}

// NewMigrationManager binds the embedded migrations to one pooled
// connection. Closing the manager releases that connection only, not the
// pool.
func NewMigrationManager(ctx context.Context, db *Database) (*MigrationManager, error) {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	conn, err := db.Primary.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve migration connection: %w", err)
	}
	dbDriver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		dbDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &MigrationManager{migrate: m}, nil
}

// Up runs all pending migrations
func (mm *MigrationManager) Up() error {
	if err := mm.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version returns the current migration version
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Close closes the migration manager
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}

// AutoMigrate brings the schema up to date. golang-migrate's postgres
// driver holds an advisory lock for the duration, so agents starting
// together do not race.
func AutoMigrate(ctx context.Context, db *Database) error {
	mm, err := NewMigrationManager(ctx, db)
	if err != nil {
		return err
	}
	defer mm.Close()

	version, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	return mm.Up()
}

// SchemaVersion reports the applied migration version without migrating.
func SchemaVersion(ctx context.Context, config DBConfig) (uint, bool, error) {
	db, err := NewDatabase(ctx, config)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	mm, err := NewMigrationManager(ctx, db)
	if err != nil {
		return 0, false, err
	}
	defer mm.Close()
	return mm.Version()
}

// MigrateDown rolls the schema back completely, dropping both tables.
func MigrateDown(ctx context.Context, config DBConfig) error {
	db, err := NewDatabase(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	mm, err := NewMigrationManager(ctx, db)
	if err != nil {
		return err
	}
	defer mm.Close()
	return mm.Down()
}
