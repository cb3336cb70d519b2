//go:build integration

package sql

import (
	"context"
	"database/sql"
	"testing"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/3rs4lg4d0/goevents/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestPostgres(t *testing.T) {
	ctx := context.Background()
	database, err := test.InitPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := database.Terminate(ctx); err != nil {
			t.Logf("an error ocurred terminating the database container: %v", err)
		}
	})

	dsn, err := database.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repository := New(db, Postgres)

	for _, e := range []*pipeline.Envelope{listing("t-1", day(1)), listing("t-1", day(1)), transaction("t-1", day(2))} {
		_, err := repository.Save(ctx, e)
		require.NoError(t, err)
	}
	listings, err := repository.FindListings(ctx, pipeline.Epoch, day(3))
	require.NoError(t, err)
	assert.Len(t, listings, 1)
	n, err := repository.CountEvents(ctx, pipeline.TransactionEvent, day(2), day(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	_, err = repository.LoadCheckpoint(ctx)
	assert.ErrorIs(t, err, pipeline.ErrCheckpointNotFound)
	require.NoError(t, repository.SaveCheckpoint(ctx, &pipeline.Checkpoint{NumListings: 1, NumTransactions: 1, LastProcessedTimestamp: day(3)}))
	c, err := repository.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, day(3).Equal(c.LastProcessedTimestamp))
}
