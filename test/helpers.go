package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Column sets of the event tables.
var (
	ListingColumns     = []string{"id", "trace_id", "user_id", "item_id", "price", "occurred_at", "date_created"}
	TransactionColumns = []string{"id", "trace_id", "user_id", "transaction_id", "amount", "occurred_at", "date_created"}
	CheckpointColumns  = []string{"num_listings", "num_transactions", "last_processed_timestamp"}
)

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "migrations/sql/postgres/000001_events.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// MockListingRows returns two listing rows occurred at the given time.
func MockListingRows(occurredAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(ListingColumns).
		AddRow(1, "t-1", "u1", "i1", 10.0, occurredAt, occurredAt).
		AddRow(2, "t-2", "u2", "i2", 20.5, occurredAt, occurredAt)
}

// MockTransactionRows returns one transaction row occurred at the given time.
func MockTransactionRows(occurredAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(TransactionColumns).
		AddRow(1, "t-9", "u1", "tx1", 99.9, occurredAt, occurredAt)
}

// MockCheckpointRow returns the single checkpoint row.
func MockCheckpointRow(listings, transactions int64, last time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(CheckpointColumns).AddRow(listings, transactions, last)
}
