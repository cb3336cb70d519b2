package sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/3rs4lg4d0/goevents/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func createSqlMockRepository(t *testing.T, dialect Dialect) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := New(db, dialect)
	r.SetLogger(&test.TestLogger{})
	return r, mock
}

func listing(traceID string, at time.Time) *pipeline.Envelope {
	return &pipeline.Envelope{
		Type:       pipeline.ListingEvent,
		TraceID:    traceID,
		OccurredAt: at,
		Payload:    &pipeline.ListingPayload{UserID: "u1", ItemID: "i1", Price: 10},
	}
}

func transaction(traceID string, at time.Time) *pipeline.Envelope {
	return &pipeline.Envelope{
		Type:       pipeline.TransactionEvent,
		TraceID:    traceID,
		OccurredAt: at,
		Payload:    &pipeline.TransactionPayload{UserID: "u1", TransactionID: "tx1", Amount: 2.5},
	}
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, Postgres)
	})
	assert.Panics(t, func() {
		createSqlMockRepository(t, "oracle")
	})
	assert.NotPanics(t, func() {
		createSqlMockRepository(t, MySQL)
	})
}

func TestQueries(t *testing.T) {
	pg := newQueries(Postgres)
	assert.Equal(t, "INSERT INTO listing_events (trace_id, user_id, item_id, price, occurred_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (trace_id) DO NOTHING", pg.insertListing)
	assert.Equal(t, "SELECT COUNT(*) FROM listing_events WHERE occurred_at >= $1 AND occurred_at < $2", pg.countListings)
	assert.Contains(t, pg.upsertCheckpoint, "VALUES (1, $1, $2, $3)")

	my := newQueries(MySQL)
	assert.Contains(t, my.insertTransaction, "INSERT IGNORE INTO transaction_events")
	assert.Contains(t, my.upsertCheckpoint, "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, my.countTransactions, "$")
}

func TestMySQLDSN(t *testing.T) {
	testcases := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{name: "parse time missing", dsn: "user:password@tcp(localhost:3306)/events"},
		{name: "parse time disabled", dsn: "user:password@tcp(localhost:3306)/events?parseTime=false"},
		{name: "local location", dsn: "user:password@tcp(localhost:3306)/events?parseTime=true&loc=Local"},
		{name: "unparsable dsn", dsn: "user:password@tcp(localhost:3306)events", wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MySQLDSN(tc.dsn)
			test.AssertError(t, err, tc.wantErr)
			if tc.wantErr {
				return
			}
			cfg, err := mysql.ParseDSN(got)
			require.NoError(t, err)
			assert.True(t, cfg.ParseTime)
			assert.Equal(t, time.UTC, cfg.Loc)
			assert.Equal(t, "events", cfg.DBName)
			assert.Equal(t, "localhost:3306", cfg.Addr)
		})
	}
}

func TestConvertToDollarPlaceholder(t *testing.T) {
	testcases := []struct {
		query string
		want  string
	}{
		{query: "SELECT 1", want: "SELECT 1"},
		{query: "a=? AND b=?", want: "a=$1 AND b=$2"},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.want, convertToDollarPlaceholder(tc.query))
	}
}

func TestSave(t *testing.T) {
	testcases := []struct {
		name         string
		dialect      Dialect
		e            *pipeline.Envelope
		setup        func(q queries, m sqlmock.Sqlmock)
		wantInserted bool
		wantErr      string
	}{
		{
			name:    "new listing on postgres",
			dialect: Postgres,
			e:       listing("t-1", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q.insertListing).
					WithArgs("t-1", "u1", "i1", 10.0, day(1)).
					WillReturnResult(sqlmock.NewResult(1, 1))
				m.ExpectCommit()
			},
			wantInserted: true,
		},
		{
			name:    "redelivered transaction on mysql",
			dialect: MySQL,
			e:       transaction("t-2", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q.insertTransaction).
					WithArgs("t-2", "u1", "tx1", 2.5, day(1)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectCommit()
			},
			wantInserted: false,
		},
		{
			name:    "begin fails",
			dialect: Postgres,
			e:       listing("t-3", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin().WillReturnError(errors.New("error#1"))
			},
			wantErr: "could not persist the listing_event: error#1",
		},
		{
			name:    "insert fails",
			dialect: MySQL,
			e:       listing("t-4", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q.insertListing).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#2"))
				m.ExpectRollback()
			},
			wantErr: "could not persist the listing_event: error#2",
		},
		{
			name:    "rows affected not supported",
			dialect: MySQL,
			e:       listing("t-5", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q.insertListing).WithArgs(test.GenerateAnyArgsSlice(5)...).
					WillReturnResult(sqlmock.NewErrorResult(errors.New("error")))
				m.ExpectRollback()
			},
			wantErr: "could not persist the listing_event: " + raNotSupported,
		},
		{
			name:    "commit fails",
			dialect: Postgres,
			e:       transaction("t-6", day(1)),
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q.insertTransaction).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(1, 1))
				m.ExpectCommit().WillReturnError(errors.New("error#3"))
			},
			wantErr: "could not persist the transaction_event: error#3",
		},
		{
			name:    "unknown payload",
			dialect: Postgres,
			e:       &pipeline.Envelope{Type: "refund_event", TraceID: "t-7"},
			setup:   func(q queries, m sqlmock.Sqlmock) {},
			wantErr: "could not persist the refund_event: unknown event kind",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repository, mock := createSqlMockRepository(t, tc.dialect)
			tc.setup(repository.queries, mock)

			inserted, err := repository.Save(context.Background(), tc.e)
			if tc.wantErr != "" {
				assert.EqualError(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantInserted, inserted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFind(t *testing.T) {
	repository, mock := createSqlMockRepository(t, Postgres)
	ctx := context.Background()
	cet := time.FixedZone("CET", 3600)

	mock.ExpectQuery(repository.queries.findListings).
		WithArgs(day(1), day(2)).
		WillReturnRows(test.MockListingRows(day(1).In(cet)))
	listings, err := repository.FindListings(ctx, day(1).In(cet), day(2).In(cet))
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "t-2", listings[1].TraceID)
	assert.Equal(t, time.UTC, listings[0].OccurredAt.Location())

	mock.ExpectQuery(repository.queries.findTransactions).
		WithArgs(day(1), day(2)).
		WillReturnRows(test.MockTransactionRows(day(1)))
	transactions, err := repository.FindTransactions(ctx, day(1), day(2))
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, "tx1", transactions[0].TransactionID)

	mock.ExpectQuery(repository.queries.findListings).WillReturnError(errors.New("error#4"))
	_, err = repository.FindListings(ctx, day(1), day(2))
	assert.EqualError(t, err, "could not retrieve the listing events: error#4")

	mock.ExpectQuery(repository.queries.findTransactions).
		WillReturnRows(test.MockTransactionRows(day(1)).RowError(0, errors.New("error#5")))
	_, err = repository.FindTransactions(ctx, day(1), day(2))
	assert.EqualError(t, err, "could not retrieve the transaction events: error#5")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEvents(t *testing.T) {
	testcases := []struct {
		name    string
		kind    pipeline.Kind
		setup   func(q queries, m sqlmock.Sqlmock)
		want    uint64
		wantErr bool
	}{
		{
			name: "listings",
			kind: pipeline.ListingEvent,
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectQuery(q.countListings).
					WithArgs(pipeline.Epoch, day(2)).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
			},
			want: 7,
		},
		{
			name: "transactions",
			kind: pipeline.TransactionEvent,
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectQuery(q.countTransactions).
					WithArgs(pipeline.Epoch, day(2)).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			},
			want: 0,
		},
		{
			name: "query fails",
			kind: pipeline.ListingEvent,
			setup: func(q queries, m sqlmock.Sqlmock) {
				m.ExpectQuery(q.countListings).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnError(errors.New("error#6"))
			},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			kind:    "refund_event",
			setup:   func(q queries, m sqlmock.Sqlmock) {},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repository, mock := createSqlMockRepository(t, MySQL)
			tc.setup(repository.queries, mock)

			n, err := repository.CountEvents(context.Background(), tc.kind, pipeline.Epoch, day(2))
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.want, n)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLocate(t *testing.T) {
	ctx := context.Background()

	t.Run("listing at a position", func(t *testing.T) {
		repository, mock := createSqlMockRepository(t, Postgres)
		mock.ExpectQuery(repository.queries.listingAt).WithArgs(int64(1)).WillReturnRows(test.MockListingRows(day(1)))

		l, err := repository.ListingAt(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "t-1", l.TraceID)
		assert.Equal(t, time.UTC, l.OccurredAt.Location())
		assert.Equal(t, "SELECT id, trace_id, user_id, item_id, price, occurred_at, date_created FROM listing_events ORDER BY id LIMIT 1 OFFSET $1", repository.queries.listingAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transaction past the last one", func(t *testing.T) {
		repository, mock := createSqlMockRepository(t, MySQL)
		mock.ExpectQuery(repository.queries.transactionAt).WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows(test.TransactionColumns))

		_, err := repository.TransactionAt(ctx, 5)
		assert.ErrorIs(t, err, pipeline.ErrEventNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative position", func(t *testing.T) {
		repository, mock := createSqlMockRepository(t, MySQL)
		_, err := repository.ListingAt(ctx, -1)
		assert.ErrorIs(t, err, pipeline.ErrEventNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query fails", func(t *testing.T) {
		repository, mock := createSqlMockRepository(t, MySQL)
		mock.ExpectQuery(repository.queries.transactionAt).WithArgs(sqlmock.AnyArg()).WillReturnError(errors.New("error#9"))

		_, err := repository.TransactionAt(ctx, 0)
		assert.EqualError(t, err, "could not retrieve the transaction event at 0: error#9")
		assert.NotErrorIs(t, err, pipeline.ErrEventNotFound)
	})

	t.Run("totals", func(t *testing.T) {
		repository, mock := createSqlMockRepository(t, MySQL)
		mock.ExpectQuery(totalListingsSql).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

		n, err := repository.TotalEvents(ctx, pipeline.ListingEvent)
		require.NoError(t, err)
		assert.Equal(t, uint64(12), n)
		_, err = repository.TotalEvents(ctx, "refund_event")
		assert.ErrorIs(t, err, pipeline.ErrUnknownKind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoadCheckpoint(t *testing.T) {
	testcases := []struct {
		name    string
		rows    *sqlmock.Rows
		err     error
		want    *pipeline.Checkpoint
		wantErr error
	}{
		{
			name: "stored checkpoint",
			rows: test.MockCheckpointRow(3, 4, day(5)),
			want: &pipeline.Checkpoint{NumListings: 3, NumTransactions: 4, LastProcessedTimestamp: day(5)},
		},
		{
			name:    "no checkpoint yet",
			rows:    sqlmock.NewRows(test.CheckpointColumns),
			wantErr: pipeline.ErrCheckpointNotFound,
		},
		{
			name:    "negative counts",
			rows:    test.MockCheckpointRow(3, -4, day(5)),
			wantErr: pipeline.ErrCheckpointCorrupt,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repository, mock := createSqlMockRepository(t, Postgres)
			mock.ExpectQuery(repository.queries.getCheckpoint).WillReturnRows(tc.rows)

			got, err := repository.LoadCheckpoint(context.Background())
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	repository, mock := createSqlMockRepository(t, Postgres)
	mock.ExpectQuery(repository.queries.getCheckpoint).WillReturnError(errors.New("error#7"))
	_, err := repository.LoadCheckpoint(context.Background())
	assert.EqualError(t, err, "could not load the checkpoint: error#7")
	assert.NotErrorIs(t, err, pipeline.ErrCheckpointNotFound)
}

func TestSaveCheckpoint(t *testing.T) {
	repository, mock := createSqlMockRepository(t, MySQL)
	c := &pipeline.Checkpoint{NumListings: 3, NumTransactions: 1, LastProcessedTimestamp: day(2)}

	mock.ExpectExec(repository.queries.upsertCheckpoint).
		WithArgs(int64(3), int64(1), day(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	assert.NoError(t, repository.SaveCheckpoint(context.Background(), c))

	mock.ExpectExec(repository.queries.upsertCheckpoint).
		WithArgs(test.GenerateAnyArgsSlice(3)...).
		WillReturnError(errors.New("error#8"))
	err := repository.SaveCheckpoint(context.Background(), c)
	assert.EqualError(t, err, "could not save the checkpoint: error#8")
	assert.NoError(t, mock.ExpectationsWereMet())
}
