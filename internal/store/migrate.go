package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// schemaVersion returns the applied version, 0 for a fresh database.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty, a previous upgrade failed halfway", version)
	}
	return version, nil
}

// SchemaVersion reports the schema version without applying anything.
func (db *DB) SchemaVersion() (uint, error) {
	m, err := db.migrator()
	if err != nil {
		return 0, storageErr("schema version", err)
	}
	v, err := schemaVersion(m)
	if err != nil {
		return 0, storageErr("schema version", err)
	}
	return v, nil
}

// Migrate applies the pending forward-only schema steps once. A database
// left dirty by an interrupted upgrade is refused rather than forced.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, storageErr("migrate", err)
	}
	from, err := schemaVersion(m)
	if err != nil {
		return nil, storageErr("migrate", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, storageErr("migrate", fmt.Errorf("migration up: %w", err))
	}

	version, err := schemaVersion(m)
	if err != nil {
		return nil, storageErr("migrate", err)
	}
	return &MigrateResult{From: from, Version: version, Changed: changed}, nil
}
