package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Migrate applies every pending up migration in migrations to the database
// at dsn. It opens its own connection because closing the migrator closes
// the underlying database.
func Migrate(ctx context.Context, dsn string, migrations fs.FS, logger *log.Logger) error {
	if dsn == "" {
		return errors.New("migrate: empty dsn")
	}
	if migrations == nil {
		return errors.New("migrate: nil migrations")
	}
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: ping: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: driver: %w", err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Printf("migrate: source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("migrate: db close: %v", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Printf("migrate: schema up-to-date")
			return nil
		}
		return fmt.Errorf("migrate: up: %w", err)
	}
	logger.Printf("migrate: schema applied")
	return nil
}
