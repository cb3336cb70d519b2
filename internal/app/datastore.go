package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3rs4lg4d0/goevents/config"
	"github.com/3rs4lg4d0/goevents/migrations"
	"github.com/3rs4lg4d0/goevents/pipeline"
	gormrepo "github.com/3rs4lg4d0/goevents/repository/gorm"
	"github.com/3rs4lg4d0/goevents/repository/pgxv5"
	sqlrepo "github.com/3rs4lg4d0/goevents/repository/sql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Datastore is a repository that can also hold the aggregation checkpoint.
type Datastore interface {
	pipeline.Repository
	pipeline.EventLocator
	pipeline.CheckpointStore
}

// NewDatastore opens the configured datastore, retrying with the connection
// budget, and applies the schema when datastore.migrate is set. The returned
// closer releases the connection pool.
func (a *App) NewDatastore(ctx context.Context) (Datastore, func() error, error) {
	d := a.cfg.Datastore
	connector := pipeline.NewConnector("datastore", a.Settings(), a.Logger("connector"))
	l := a.Logger("repository")

	switch d.Driver {
	case config.DriverPostgres, config.DriverSQLite:
		db, err := pipeline.Dial(ctx, connector, func(ctx context.Context) (*gorm.DB, error) {
			return openGorm(ctx, d)
		})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		repo := gormrepo.New(db)
		repo.SetLogger(l)
		if d.Migrate {
			if err := a.migrate(d, repo); err != nil {
				sqlDB.Close()
				return nil, nil, err
			}
		}
		return repo, sqlDB.Close, nil

	case config.DriverPgx:
		pool, err := pipeline.Dial(ctx, connector, func(ctx context.Context) (*pgxpool.Pool, error) {
			return pgxv5.NewPool(ctx, d.DSN, int32(d.MaxOpenConns))
		})
		if err != nil {
			return nil, nil, err
		}
		if d.Migrate {
			if err := a.migrate(d, nil); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		repo := pgxv5.New(pool)
		repo.SetLogger(l)
		return repo, func() error { pool.Close(); return nil }, nil

	case config.DriverMySQL:
		dsn, err := sqlrepo.MySQLDSN(d.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := pipeline.Dial(ctx, connector, func(ctx context.Context) (*sql.DB, error) {
			return openMySQL(ctx, dsn, d.MaxOpenConns)
		})
		if err != nil {
			return nil, nil, err
		}
		if d.Migrate {
			if err := a.migrate(d, nil); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		repo := sqlrepo.New(db, sqlrepo.MySQL)
		repo.SetLogger(l)
		return repo, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown datastore driver '%s'", d.Driver)
	}
}

func openGorm(ctx context.Context, d config.DatastoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if d.Driver == config.DriverSQLite {
		dialector = sqlite.Open(d.DSN)
	} else {
		dialector = postgres.Open(d.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if d.Driver == config.DriverSQLite {
		// in-memory databases live as long as their connection
		sqlDB.SetMaxOpenConns(1)
	} else if d.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(d.MaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func openMySQL(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies the embedded schema, or the gorm models for sqlite which has
// no embedded migrations.
func (a *App) migrate(d config.DatastoreConfig, repo *gormrepo.Repository) error {
	if d.Driver == config.DriverSQLite {
		return repo.AutoMigrate()
	}
	return Migrate(d)
}

// Migrate applies the embedded migrations of the datastore dialect.
func Migrate(d config.DatastoreConfig) error {
	dialect := migrations.Postgres
	if d.Driver == config.DriverMySQL {
		dialect = migrations.MySQL
	}
	if d.Driver == config.DriverSQLite {
		return fmt.Errorf("sqlite schemas are created on startup, there are no migrations to run")
	}
	return migrations.Up(dialect, d.DSN)
}
