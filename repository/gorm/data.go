package gorm

import (
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
)

const checkpointID = 1

type listingEvent struct {
	ID          int64     `gorm:"primaryKey"`
	TraceID     string    `gorm:"size:64;not null;uniqueIndex:listing_events_trace_id_key"`
	UserID      string    `gorm:"size:255;not null"`
	ItemID      string    `gorm:"size:255;not null"`
	Price       float64   `gorm:"not null"`
	OccurredAt  time.Time `gorm:"not null;index:listing_events_occurred_at_idx"`
	DateCreated time.Time `gorm:"autoCreateTime"`
}

func (listingEvent) TableName() string { return "listing_events" }

func (e *listingEvent) record() *pipeline.ListingRecord {
	return &pipeline.ListingRecord{
		ID:          e.ID,
		TraceID:     e.TraceID,
		UserID:      e.UserID,
		ItemID:      e.ItemID,
		Price:       e.Price,
		OccurredAt:  e.OccurredAt.UTC(),
		DateCreated: e.DateCreated.UTC(),
	}
}

type transactionEvent struct {
	ID            int64     `gorm:"primaryKey"`
	TraceID       string    `gorm:"size:64;not null;uniqueIndex:transaction_events_trace_id_key"`
	UserID        string    `gorm:"size:255;not null"`
	TransactionID string    `gorm:"size:255;not null"`
	Amount        float64   `gorm:"not null"`
	OccurredAt    time.Time `gorm:"not null;index:transaction_events_occurred_at_idx"`
	DateCreated   time.Time `gorm:"autoCreateTime"`
}

func (transactionEvent) TableName() string { return "transaction_events" }

func (e *transactionEvent) record() *pipeline.TransactionRecord {
	return &pipeline.TransactionRecord{
		ID:            e.ID,
		TraceID:       e.TraceID,
		UserID:        e.UserID,
		TransactionID: e.TransactionID,
		Amount:        e.Amount,
		OccurredAt:    e.OccurredAt.UTC(),
		DateCreated:   e.DateCreated.UTC(),
	}
}

type aggregationCheckpoint struct {
	ID                     int `gorm:"primaryKey;autoIncrement:false"`
	NumListings            int64
	NumTransactions        int64
	LastProcessedTimestamp time.Time
}

func (aggregationCheckpoint) TableName() string { return "aggregation_checkpoint" }
