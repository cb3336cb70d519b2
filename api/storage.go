package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/labstack/echo/v4"
)

// Query parameters of the storage routes.
const (
	ParamStart = "start_timestamp"
	ParamEnd   = "end_timestamp"
	ParamType  = "type"
	ParamIndex = "index"
)

// Store is the read side used by the storage routes.
type Store interface {
	pipeline.EventFinder
	pipeline.EventCounter
	pipeline.EventLocator
}

// TaggedEvent is an event of any kind in the combined listing. Only the
// fields of its own kind are rendered.
type TaggedEvent struct {
	Type          pipeline.Kind `json:"type"`
	ID            int64         `json:"id"`
	TraceID       string        `json:"trace_id"`
	UserID        string        `json:"user_id"`
	ItemID        string        `json:"item_id,omitempty"`
	Price         *float64      `json:"price,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Amount        *float64      `json:"amount,omitempty"`
	OccurredAt    time.Time     `json:"timestamp"`
	DateCreated   time.Time     `json:"date_created"`
}

// Count is the body of the count route.
type Count struct {
	Type  pipeline.Kind `json:"type"`
	Count uint64        `json:"count"`
}

// Totals is the body of the totals route.
type Totals struct {
	NumListingEvents     uint64 `json:"num_listing_events"`
	NumTransactionEvents uint64 `json:"num_transaction_events"`
}

// RegisterStorage adds the query routes.
func (s *Server) RegisterStorage(store Store) {
	if store == nil {
		panic("store is mandatory")
	}
	s.services = append(s.services, "storage")

	s.echo.GET("/events/listings", func(c echo.Context) error {
		start, end, ok := window(c)
		if !ok {
			return badRequest(c, "Invalid timestamp format")
		}
		records, err := store.FindListings(c.Request().Context(), start, end)
		if err != nil {
			return s.queryFailed(c, err)
		}
		return c.JSON(http.StatusOK, records)
	})
	s.echo.GET("/events/transactions", func(c echo.Context) error {
		start, end, ok := window(c)
		if !ok {
			return badRequest(c, "Invalid timestamp format")
		}
		records, err := store.FindTransactions(c.Request().Context(), start, end)
		if err != nil {
			return s.queryFailed(c, err)
		}
		return c.JSON(http.StatusOK, records)
	})
	s.echo.GET("/events", func(c echo.Context) error {
		start, end, ok := window(c)
		if !ok {
			return badRequest(c, "Invalid timestamp format")
		}
		ctx := c.Request().Context()
		listings, err := store.FindListings(ctx, start, end)
		if err != nil {
			return s.queryFailed(c, err)
		}
		transactions, err := store.FindTransactions(ctx, start, end)
		if err != nil {
			return s.queryFailed(c, err)
		}
		return c.JSON(http.StatusOK, merge(listings, transactions))
	})
	s.echo.GET("/events/count", func(c echo.Context) error {
		start, end, ok := window(c)
		if !ok {
			return badRequest(c, "Invalid timestamp format")
		}
		kind := pipeline.Kind(c.QueryParam(ParamType))
		if !kind.Valid() {
			return badRequest(c, "Invalid event type")
		}
		n, err := store.CountEvents(c.Request().Context(), kind, start, end)
		if err != nil {
			return s.queryFailed(c, err)
		}
		return c.JSON(http.StatusOK, Count{Type: kind, Count: n})
	})
	s.echo.GET("/events/listings/:index", func(c echo.Context) error {
		index, ok := position(c)
		if !ok {
			return badRequest(c, "Invalid or missing 'index' parameter")
		}
		record, err := store.ListingAt(c.Request().Context(), index)
		if err != nil {
			return s.lookupFailed(c, pipeline.ListingEvent, index, err)
		}
		return c.JSON(http.StatusOK, record)
	})
	s.echo.GET("/events/transactions/:index", func(c echo.Context) error {
		index, ok := position(c)
		if !ok {
			return badRequest(c, "Invalid or missing 'index' parameter")
		}
		record, err := store.TransactionAt(c.Request().Context(), index)
		if err != nil {
			return s.lookupFailed(c, pipeline.TransactionEvent, index, err)
		}
		return c.JSON(http.StatusOK, record)
	})
	s.echo.GET("/events/totals", func(c echo.Context) error {
		ctx := c.Request().Context()
		listings, err := store.TotalEvents(ctx, pipeline.ListingEvent)
		if err != nil {
			return s.queryFailed(c, err)
		}
		transactions, err := store.TotalEvents(ctx, pipeline.TransactionEvent)
		if err != nil {
			return s.queryFailed(c, err)
		}
		return c.JSON(http.StatusOK, Totals{NumListingEvents: listings, NumTransactionEvents: transactions})
	})
}

func (s *Server) lookupFailed(c echo.Context, kind pipeline.Kind, index int, err error) error {
	if errors.Is(err, pipeline.ErrEventNotFound) {
		return c.JSON(http.StatusNotFound, Message{Message: fmt.Sprintf("No %s event at index %d!", kind, index)})
	}
	return s.queryFailed(c, err)
}

// position parses the zero based index path parameter. Signs are rejected.
func position(c echo.Context) (int, bool) {
	n, err := strconv.ParseUint(c.Param(ParamIndex), 10, 31)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func (s *Server) queryFailed(c echo.Context, err error) error {
	s.logger.Error("could not query the events", err)
	return c.JSON(http.StatusInternalServerError, Message{Message: "Could not query the events"})
}

// window parses the [start, end) bounds of a query. Both are mandatory.
func window(c echo.Context) (time.Time, time.Time, bool) {
	start, err := pipeline.ParseTimestamp(c.QueryParam(ParamStart))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := pipeline.ParseTimestamp(c.QueryParam(ParamEnd))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// merge tags every record with its kind and orders them by occurrence time.
func merge(listings []*pipeline.ListingRecord, transactions []*pipeline.TransactionRecord) []TaggedEvent {
	events := make([]TaggedEvent, 0, len(listings)+len(transactions))
	for _, l := range listings {
		events = append(events, TaggedEvent{
			Type:        pipeline.ListingEvent,
			ID:          l.ID,
			TraceID:     l.TraceID,
			UserID:      l.UserID,
			ItemID:      l.ItemID,
			Price:       &l.Price,
			OccurredAt:  l.OccurredAt,
			DateCreated: l.DateCreated,
		})
	}
	for _, t := range transactions {
		events = append(events, TaggedEvent{
			Type:          pipeline.TransactionEvent,
			ID:            t.ID,
			TraceID:       t.TraceID,
			UserID:        t.UserID,
			TransactionID: t.TransactionID,
			Amount:        &t.Amount,
			OccurredAt:    t.OccurredAt,
			DateCreated:   t.DateCreated,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events
}
