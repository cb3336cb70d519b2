package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	insertListingSql     = "INSERT INTO listing_events (trace_id, user_id, item_id, price, occurred_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (trace_id) DO NOTHING"
	insertTransactionSql = "INSERT INTO transaction_events (trace_id, user_id, transaction_id, amount, occurred_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (trace_id) DO NOTHING"
	findListingsSql      = "SELECT id, trace_id, user_id, item_id, price, occurred_at, date_created FROM listing_events WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY occurred_at, id"
	findTransactionsSql  = "SELECT id, trace_id, user_id, transaction_id, amount, occurred_at, date_created FROM transaction_events WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY occurred_at, id"
	countListingsSql     = "SELECT COUNT(*) FROM listing_events WHERE occurred_at >= $1 AND occurred_at < $2"
	countTransactionsSql = "SELECT COUNT(*) FROM transaction_events WHERE occurred_at >= $1 AND occurred_at < $2"
	listingAtSql         = "SELECT id, trace_id, user_id, item_id, price, occurred_at, date_created FROM listing_events ORDER BY id LIMIT 1 OFFSET $1"
	transactionAtSql     = "SELECT id, trace_id, user_id, transaction_id, amount, occurred_at, date_created FROM transaction_events ORDER BY id LIMIT 1 OFFSET $1"
	totalListingsSql     = "SELECT COUNT(*) FROM listing_events"
	totalTransactionsSql = "SELECT COUNT(*) FROM transaction_events"
	getCheckpointSql     = "SELECT num_listings, num_transactions, last_processed_timestamp FROM aggregation_checkpoint WHERE id=1"
	upsertCheckpointSql  = "INSERT INTO aggregation_checkpoint (id, num_listings, num_transactions, last_processed_timestamp) VALUES (1, $1, $2, $3) " +
		"ON CONFLICT (id) DO UPDATE SET num_listings=EXCLUDED.num_listings, num_transactions=EXCLUDED.num_transactions, last_processed_timestamp=EXCLUDED.last_processed_timestamp"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	db     dbpool
	logger pipeline.Logger
}

var _ pipeline.Loggable = (*Repository)(nil)
var _ pipeline.Repository = (*Repository)(nil)
var _ pipeline.CheckpointStore = (*Repository)(nil)
var _ pipeline.EventLocator = (*Repository)(nil)

func New(pool dbpool) *Repository {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		db:     pool,
		logger: &pipeline.NopLogger{},
	}
}

// NewPool creates a connection pool and checks the database is reachable.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l pipeline.Logger) {
	r.logger = l
}

// Save persists the envelope inside its own transaction. A trace id that was
// already stored for the same kind is ignored and reported as not inserted.
func (r *Repository) Save(ctx context.Context, e *pipeline.Envelope) (bool, error) {
	var sql string
	var args []any
	switch p := e.Payload.(type) {
	case *pipeline.ListingPayload:
		sql = insertListingSql
		args = []any{e.TraceID, p.UserID, p.ItemID, p.Price, e.OccurredAt.UTC()}
	case *pipeline.TransactionPayload:
		sql = insertTransactionSql
		args = []any{e.TraceID, p.UserID, p.TransactionID, p.Amount, e.OccurredAt.UTC()}
	default:
		return false, fmt.Errorf("could not persist the %s: %w", e.Type, pipeline.ErrUnknownKind)
	}

	var inserted bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		inserted = ct.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not persist the %s: %w", e.Type, err)
	}
	if !inserted {
		r.logger.Debug(fmt.Sprintf("%s with trace_id=%s already stored", e.Type, e.TraceID))
	}
	return inserted, nil
}

// inTx runs fn in a transaction of its own, rolling it back when fn fails.
func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Error("could not rollback the transaction", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// FindListings returns the listing events occurred within [start, end).
func (r *Repository) FindListings(ctx context.Context, start, end time.Time) ([]*pipeline.ListingRecord, error) {
	rows, err := r.db.Query(ctx, findListingsSql, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the listing events: %w", err)
	}
	defer rows.Close()

	records := []*pipeline.ListingRecord{}
	for rows.Next() {
		var l pipeline.ListingRecord
		if err := rows.Scan(&l.ID, &l.TraceID, &l.UserID, &l.ItemID, &l.Price, &l.OccurredAt, &l.DateCreated); err != nil {
			return nil, fmt.Errorf("could not retrieve the listing events: %w", err)
		}
		l.OccurredAt, l.DateCreated = l.OccurredAt.UTC(), l.DateCreated.UTC()
		records = append(records, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not retrieve the listing events: %w", err)
	}
	return records, nil
}

// FindTransactions returns the transaction events occurred within [start, end).
func (r *Repository) FindTransactions(ctx context.Context, start, end time.Time) ([]*pipeline.TransactionRecord, error) {
	rows, err := r.db.Query(ctx, findTransactionsSql, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the transaction events: %w", err)
	}
	defer rows.Close()

	records := []*pipeline.TransactionRecord{}
	for rows.Next() {
		var tr pipeline.TransactionRecord
		if err := rows.Scan(&tr.ID, &tr.TraceID, &tr.UserID, &tr.TransactionID, &tr.Amount, &tr.OccurredAt, &tr.DateCreated); err != nil {
			return nil, fmt.Errorf("could not retrieve the transaction events: %w", err)
		}
		tr.OccurredAt, tr.DateCreated = tr.OccurredAt.UTC(), tr.DateCreated.UTC()
		records = append(records, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not retrieve the transaction events: %w", err)
	}
	return records, nil
}

// CountEvents counts the events of a kind occurred within [start, end).
func (r *Repository) CountEvents(ctx context.Context, kind pipeline.Kind, start, end time.Time) (uint64, error) {
	var sql string
	switch kind {
	case pipeline.ListingEvent:
		sql = countListingsSql
	case pipeline.TransactionEvent:
		sql = countTransactionsSql
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	if err := r.db.QueryRow(ctx, sql, start.UTC(), end.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("could not count the %s events: %w", kind, err)
	}
	return uint64(n), nil
}

// ListingAt returns the listing event stored at the given position.
func (r *Repository) ListingAt(ctx context.Context, index int) (*pipeline.ListingRecord, error) {
	if index < 0 {
		return nil, pipeline.ErrEventNotFound
	}
	var l pipeline.ListingRecord
	err := r.db.QueryRow(ctx, listingAtSql, int64(index)).
		Scan(&l.ID, &l.TraceID, &l.UserID, &l.ItemID, &l.Price, &l.OccurredAt, &l.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the listing event at %d: %w", index, err)
	}
	l.OccurredAt, l.DateCreated = l.OccurredAt.UTC(), l.DateCreated.UTC()
	return &l, nil
}

// TransactionAt returns the transaction event stored at the given position.
func (r *Repository) TransactionAt(ctx context.Context, index int) (*pipeline.TransactionRecord, error) {
	if index < 0 {
		return nil, pipeline.ErrEventNotFound
	}
	var tr pipeline.TransactionRecord
	err := r.db.QueryRow(ctx, transactionAtSql, int64(index)).
		Scan(&tr.ID, &tr.TraceID, &tr.UserID, &tr.TransactionID, &tr.Amount, &tr.OccurredAt, &tr.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the transaction event at %d: %w", index, err)
	}
	tr.OccurredAt, tr.DateCreated = tr.OccurredAt.UTC(), tr.DateCreated.UTC()
	return &tr, nil
}

// TotalEvents counts every stored event of a kind.
func (r *Repository) TotalEvents(ctx context.Context, kind pipeline.Kind) (uint64, error) {
	var sql string
	switch kind {
	case pipeline.ListingEvent:
		sql = totalListingsSql
	case pipeline.TransactionEvent:
		sql = totalTransactionsSql
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	if err := r.db.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, fmt.Errorf("could not count the %s events: %w", kind, err)
	}
	return uint64(n), nil
}

// LoadCheckpoint returns the single checkpoint row.
func (r *Repository) LoadCheckpoint(ctx context.Context) (*pipeline.Checkpoint, error) {
	var listings, transactions int64
	var last time.Time
	err := r.db.QueryRow(ctx, getCheckpointSql).Scan(&listings, &transactions, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the checkpoint: %w", err)
	}
	if listings < 0 || transactions < 0 {
		return nil, fmt.Errorf("%w: negative counts", pipeline.ErrCheckpointCorrupt)
	}
	return &pipeline.Checkpoint{
		NumListings:            uint64(listings),
		NumTransactions:        uint64(transactions),
		LastProcessedTimestamp: last.UTC(),
	}, nil
}

// SaveCheckpoint upserts the single checkpoint row in one statement.
func (r *Repository) SaveCheckpoint(ctx context.Context, c *pipeline.Checkpoint) error {
	_, err := r.db.Exec(ctx, upsertCheckpointSql, int64(c.NumListings), int64(c.NumTransactions), c.LastProcessedTimestamp.UTC())
	if err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	return nil
}
