package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const windowCondition = "occurred_at >= ? AND occurred_at < ?"

type Repository struct {
	db     *gorm.DB
	logger pipeline.Logger
}

var _ pipeline.Loggable = (*Repository)(nil)
var _ pipeline.Repository = (*Repository)(nil)
var _ pipeline.CheckpointStore = (*Repository)(nil)
var _ pipeline.EventLocator = (*Repository)(nil)

func New(db *gorm.DB) *Repository {
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		db:     db,
		logger: &pipeline.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l pipeline.Logger) {
	r.logger = l
}

// AutoMigrate creates the event tables for dialects without embedded
// migrations (sqlite).
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&listingEvent{}, &transactionEvent{}, &aggregationCheckpoint{})
}

// Save persists the envelope inside its own transaction. A trace id that was
// already stored for the same kind is ignored and reported as not inserted.
func (r *Repository) Save(ctx context.Context, e *pipeline.Envelope) (bool, error) {
	var inserted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ignoreDuplicates := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trace_id"}},
			DoNothing: true,
		})

		var res *gorm.DB
		switch p := e.Payload.(type) {
		case *pipeline.ListingPayload:
			res = ignoreDuplicates.Create(&listingEvent{
				TraceID:    e.TraceID,
				UserID:     p.UserID,
				ItemID:     p.ItemID,
				Price:      p.Price,
				OccurredAt: e.OccurredAt.UTC(),
			})
		case *pipeline.TransactionPayload:
			res = ignoreDuplicates.Create(&transactionEvent{
				TraceID:       e.TraceID,
				UserID:        p.UserID,
				TransactionID: p.TransactionID,
				Amount:        p.Amount,
				OccurredAt:    e.OccurredAt.UTC(),
			})
		default:
			return fmt.Errorf("%w: %T", pipeline.ErrUnknownKind, e.Payload)
		}
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
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

// FindListings returns the listing events occurred within [start, end).
func (r *Repository) FindListings(ctx context.Context, start, end time.Time) ([]*pipeline.ListingRecord, error) {
	var rows []listingEvent
	err := r.db.WithContext(ctx).
		Where(windowCondition, start.UTC(), end.UTC()).
		Order("occurred_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the listing events: %w", err)
	}

	records := make([]*pipeline.ListingRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

// FindTransactions returns the transaction events occurred within [start, end).
func (r *Repository) FindTransactions(ctx context.Context, start, end time.Time) ([]*pipeline.TransactionRecord, error) {
	var rows []transactionEvent
	err := r.db.WithContext(ctx).
		Where(windowCondition, start.UTC(), end.UTC()).
		Order("occurred_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not retrieve the transaction events: %w", err)
	}

	records := make([]*pipeline.TransactionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

// CountEvents counts the events of a kind occurred within [start, end).
func (r *Repository) CountEvents(ctx context.Context, kind pipeline.Kind, start, end time.Time) (uint64, error) {
	var model any
	switch kind {
	case pipeline.ListingEvent:
		model = &listingEvent{}
	case pipeline.TransactionEvent:
		model = &transactionEvent{}
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	err := r.db.WithContext(ctx).Model(model).Where(windowCondition, start.UTC(), end.UTC()).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("could not count the %s events: %w", kind, err)
	}
	return uint64(n), nil
}

// ListingAt returns the listing event stored at the given position.
func (r *Repository) ListingAt(ctx context.Context, index int) (*pipeline.ListingRecord, error) {
	var row listingEvent
	if err := r.at(ctx, index, &row); err != nil {
		return nil, fmt.Errorf("could not retrieve the listing event at %d: %w", index, err)
	}
	return row.record(), nil
}

// TransactionAt returns the transaction event stored at the given position.
func (r *Repository) TransactionAt(ctx context.Context, index int) (*pipeline.TransactionRecord, error) {
	var row transactionEvent
	if err := r.at(ctx, index, &row); err != nil {
		return nil, fmt.Errorf("could not retrieve the transaction event at %d: %w", index, err)
	}
	return row.record(), nil
}

// at loads into dest the row at the given position in id order.
func (r *Repository) at(ctx context.Context, index int, dest any) error {
	if index < 0 {
		return pipeline.ErrEventNotFound
	}
	err := r.db.WithContext(ctx).Order("id").Offset(index).Limit(1).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pipeline.ErrEventNotFound
	}
	return err
}

// TotalEvents counts every stored event of a kind.
func (r *Repository) TotalEvents(ctx context.Context, kind pipeline.Kind) (uint64, error) {
	var model any
	switch kind {
	case pipeline.ListingEvent:
		model = &listingEvent{}
	case pipeline.TransactionEvent:
		model = &transactionEvent{}
	default:
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}

	var n int64
	if err := r.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("could not count the %s events: %w", kind, err)
	}
	return uint64(n), nil
}

// LoadCheckpoint returns the single checkpoint row.
func (r *Repository) LoadCheckpoint(ctx context.Context) (*pipeline.Checkpoint, error) {
	var c aggregationCheckpoint
	err := r.db.WithContext(ctx).Take(&c, checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pipeline.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the checkpoint: %w", err)
	}
	if c.NumListings < 0 || c.NumTransactions < 0 {
		return nil, fmt.Errorf("%w: negative counts", pipeline.ErrCheckpointCorrupt)
	}
	return &pipeline.Checkpoint{
		NumListings:            uint64(c.NumListings),
		NumTransactions:        uint64(c.NumTransactions),
		LastProcessedTimestamp: c.LastProcessedTimestamp.UTC(),
	}, nil
}

// SaveCheckpoint upserts the single checkpoint row in one statement.
func (r *Repository) SaveCheckpoint(ctx context.Context, c *pipeline.Checkpoint) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"num_listings", "num_transactions", "last_processed_timestamp"}),
	}).Create(&aggregationCheckpoint{
		ID:                     checkpointID,
		NumListings:            int64(c.NumListings),
		NumTransactions:        int64(c.NumTransactions),
		LastProcessedTimestamp: c.LastProcessedTimestamp.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	return nil
}
