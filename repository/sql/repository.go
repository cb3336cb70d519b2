package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/go-sql-driver/mysql"
)

const raNotSupported string = "RowsAffected not supported"

// Dialect selects the SQL flavour of the statements.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

const (
	findListingsSql      = "SELECT id, trace_id, user_id, item_id, price, occurred_at, date_created FROM listing_events WHERE occurred_at >= ? AND occurred_at < ? ORDER BY occurred_at, id"
	findTransactionsSql  = "SELECT id, trace_id, user_id, transaction_id, amount, occurred_at, date_created FROM transaction_events WHERE occurred_at >= ? AND occurred_at < ? ORDER BY occurred_at, id"
	countListingsSql     = "SELECT COUNT(*) FROM listing_events WHERE occurred_at >= ? AND occurred_at < ?"
	countTransactionsSql = "SELECT COUNT(*) FROM transaction_events WHERE occurred_at >= ? AND occurred_at < ?"
	listingAtSql         = "SELECT id, trace_id, user_id, item_id, price, occurred_at, date_created FROM listing_events ORDER BY id LIMIT 1 OFFSET ?"
	transactionAtSql     = "SELECT id, trace_id, user_id, transaction_id, amount, occurred_at, date_created FROM transaction_events ORDER BY id LIMIT 1 OFFSET ?"
	totalListingsSql     = "SELECT COUNT(*) FROM listing_events"
	totalTransactionsSql = "SELECT COUNT(*) FROM transaction_events"
	getCheckpointSql     = "SELECT num_listings, num_transactions, last_processed_timestamp FROM aggregation_checkpoint WHERE id=1"

	mysqlInsertListingSql     = "INSERT IGNORE INTO listing_events (trace_id, user_id, item_id, price, occurred_at) VALUES (?, ?, ?, ?, ?)"
	mysqlInsertTransactionSql = "INSERT IGNORE INTO transaction_events (trace_id, user_id, transaction_id, amount, occurred_at) VALUES (?, ?, ?, ?, ?)"
	mysqlUpsertCheckpointSql  = "INSERT INTO aggregation_checkpoint (id, num_listings, num_transactions, last_processed_timestamp) VALUES (1, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE num_listings=VALUES(num_listings), num_transactions=VALUES(num_transactions), last_processed_timestamp=VALUES(last_processed_timestamp)"

	pgInsertListingSql     = "INSERT INTO listing_events (trace_id, user_id, item_id, price, occurred_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (trace_id) DO NOTHING"
	pgInsertTransactionSql = "INSERT INTO transaction_events (trace_id, user_id, transaction_id, amount, occurred_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (trace_id) DO NOTHING"
	pgUpsertCheckpointSql  = "INSERT INTO aggregation_checkpoint (id, num_listings, num_transactions, last_processed_timestamp) VALUES (1, ?, ?, ?) " +
		"ON CONFLICT (id) DO UPDATE SET num_listings=EXCLUDED.num_listings, num_transactions=EXCLUDED.num_transactions, last_processed_timestamp=EXCLUDED.last_processed_timestamp"
)

// queries holds the statements already rendered for a dialect.
type queries struct {
	insertListing     string
	insertTransaction string
	findListings      string
	findTransactions  string
	countListings     string
	countTransactions string
	listingAt         string
	transactionAt     string
	getCheckpoint     string
	upsertCheckpoint  string
}

func newQueries(d Dialect) queries {
	switch d {
	case MySQL:
		return queries{
			insertListing:     mysqlInsertListingSql,
			insertTransaction: mysqlInsertTransactionSql,
			findListings:      findListingsSql,
			findTransactions:  findTransactionsSql,
			countListings:     countListingsSql,
			countTransactions: countTransactionsSql,
			listingAt:         listingAtSql,
			transactionAt:     transactionAtSql,
			getCheckpoint:     getCheckpointSql,
			upsertCheckpoint:  mysqlUpsertCheckpointSql,
		}
	case Postgres:
		return queries{
			insertListing:     convertToDollarPlaceholder(pgInsertListingSql),
			insertTransaction: convertToDollarPlaceholder(pgInsertTransactionSql),
			findListings:      convertToDollarPlaceholder(findListingsSql),
			findTransactions:  convertToDollarPlaceholder(findTransactionsSql),
			countListings:     convertToDollarPlaceholder(countListingsSql),
			countTransactions: convertToDollarPlaceholder(countTransactionsSql),
			listingAt:         convertToDollarPlaceholder(listingAtSql),
			transactionAt:     convertToDollarPlaceholder(transactionAtSql),
			getCheckpoint:     getCheckpointSql,
			upsertCheckpoint:  convertToDollarPlaceholder(pgUpsertCheckpointSql),
		}
	default:
		panic(fmt.Sprintf("unsupported dialect %q", d))
	}
}

// MySQLDSN rewrites a go-sql-driver DSN so DATETIME columns scan into
// time.Time values in UTC, whatever the DSN asked for.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Repository stores events through database/sql. MySQL connections must be
// opened with a DSN returned by MySQLDSN.
type Repository struct {
	db      *sql.DB
	queries queries
	logger  pipeline.Logger
}

var _ pipeline.Loggable = (*Repository)(nil)
var _ pipeline.Repository = (*Repository)(nil)
var _ pipeline.CheckpointStore = (*Repository)(nil)
var _ pipeline.EventLocator = (*Repository)(nil)

func New(db *sql.DB, dialect Dialect) *Repository {
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		db:      db,
		queries: newQueries(dialect),
		logger:  &pipeline.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l pipeline.Logger) {
	r.logger = l
}

// Save persists the envelope inside its own transaction. A trace id that was
// already stored for the same kind is ignored and reported as not inserted.
func (r *Repository) Save(ctx context.Context, e *pipeline.Envelope) (bool, error) {
	var query string
	var args []any
	switch p := e.Payload.(type) {
	case *pipeline.ListingPayload:
		query = r.queries.insertListing
		args = []any{e.TraceID, p.UserID, p.ItemID, p.Price, e.OccurredAt.UTC()}
	case *pipeline.TransactionPayload:
		query = r.queries.insertTransaction
		args = []any{e.TraceID, p.UserID, p.TransactionID, p.Amount, e.OccurredAt.UTC()}
	default:
		return false, fmt.Errorf("could not persist the %s: %w", e.Type, pipeline.ErrUnknownKind)
	}

	var inserted bool
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return errors.New(raNotSupported)
		}
		inserted = ra > 0
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

func (r *Repository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("could not rollback the transaction", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// FindListings returns the listing events occurred within [start, end).
func (r *Repository) FindListings(ctx context.Context, start, end time.Time) ([]*pipeline.ListingRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.queries.findListings, start.UTC(), end.UTC())
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
	rows, err := r.db.QueryContext(ctx, r.queries.findTransactions, start.UTC(), end.UTC())
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
	var query string
	switch kind {
	case pipeline.ListingEvent:
		query = r.queries.countListings
	case pipeline.TransactionEvent:
		query = r.queries.countTransactions
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	if err := r.db.QueryRowContext(ctx, query, start.UTC(), end.UTC()).Scan(&n); err != nil {
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
	err := r.db.QueryRowContext(ctx, r.queries.listingAt, index).
		Scan(&l.ID, &l.TraceID, &l.UserID, &l.ItemID, &l.Price, &l.OccurredAt, &l.DateCreated)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := r.db.QueryRowContext(ctx, r.queries.transactionAt, index).
		Scan(&tr.ID, &tr.TraceID, &tr.UserID, &tr.TransactionID, &tr.Amount, &tr.OccurredAt, &tr.DateCreated)
	if errors.Is(err, sql.ErrNoRows) {
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
	var query string
	switch kind {
	case pipeline.ListingEvent:
		query = totalListingsSql
	case pipeline.TransactionEvent:
		query = totalTransactionsSql
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("could not count the %s events: %w", kind, err)
	}
	return uint64(n), nil
}

// LoadCheckpoint returns the single checkpoint row.
func (r *Repository) LoadCheckpoint(ctx context.Context) (*pipeline.Checkpoint, error) {
	var listings, transactions int64
	var last time.Time
	err := r.db.QueryRowContext(ctx, r.queries.getCheckpoint).Scan(&listings, &transactions, &last)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := r.db.ExecContext(ctx, r.queries.upsertCheckpoint, int64(c.NumListings), int64(c.NumTransactions), c.LastProcessedTimestamp.UTC())
	if err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	return nil
}

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
