package sqlstore

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"devicelink/internal/store/sqlstore/migrations"
)

// ApplyMigrations brings the schema up to date using the migrations
// embedded for the store's dialect.
//
// The migrate instance is not closed: closing it would close the *sql.DB
// the store keeps using.
func (s *Store) ApplyMigrations() error {
	var (
		driver database.Driver
		fsys   fs.FS
		dir    string
		err    error
	)

	switch s.dialect {
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
		fsys, dir = migrations.Postgres, "postgres"
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		fsys, dir = migrations.SQLite, "sqlite"
	}
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	source, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	instance, err := migrate.NewWithInstance("iofs", source, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
