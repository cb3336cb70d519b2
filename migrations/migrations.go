// Package migrations embeds the event store schema and applies it with
// golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql
var files embed.FS

// Dialects with an embedded schema.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
)

// Source returns the embedded migration source for a dialect.
func Source(dialect string) (string, error) {
	switch dialect {
	case Postgres, MySQL:
		return "sql/" + dialect, nil
	default:
		return "", fmt.Errorf("no migrations for dialect '%s'", dialect)
	}
}

// DatabaseURL turns a driver DSN into the URL golang-migrate expects.
func DatabaseURL(dialect, dsn string) (string, error) {
	switch dialect {
	case Postgres:
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			return dsn, nil
		}
		return "", fmt.Errorf("postgres migrations need a URL DSN, got '%s'", dsn)
	case MySQL:
		url := strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(url, "multiStatements=") {
			if strings.Contains(url, "?") {
				url += "&multiStatements=true"
			} else {
				url += "?multiStatements=true"
			}
		}
		return "mysql://" + url, nil
	default:
		return "", fmt.Errorf("no migrations for dialect '%s'", dialect)
	}
}

// Up applies every pending migration. An already up to date schema is not an
// error.
func Up(dialect, dsn string) error {
	dir, err := Source(dialect)
	if err != nil {
		return err
	}
	url, err := DatabaseURL(dialect, dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(files, dir)
	if err != nil {
		return fmt.Errorf("could not open the embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("could not initialize the migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run the migrations: %w", err)
	}
	return nil
}
