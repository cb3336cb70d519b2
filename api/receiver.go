package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/labstack/echo/v4"
)

// HeaderTraceID carries the trace id assigned to an accepted submission.
const HeaderTraceID = "X-Trace-Id"

// Submitter is implemented by pipeline.Ingestor.
type Submitter interface {
	SubmitListing(ctx context.Context, s *pipeline.ListingSubmission) (string, error)
	SubmitTransaction(ctx context.Context, s *pipeline.TransactionSubmission) (string, error)
}

// RegisterReceiver adds the submission routes.
func (s *Server) RegisterReceiver(sub Submitter) {
	if sub == nil {
		panic("submitter is mandatory")
	}
	s.services = append(s.services, "receiver")

	s.echo.POST("/events/listings", func(c echo.Context) error {
		var body pipeline.ListingSubmission
		if err := c.Bind(&body); err != nil {
			return s.malformed(c, err)
		}
		traceID, err := sub.SubmitListing(c.Request().Context(), &body)
		return s.submitted(c, traceID, err)
	})
	s.echo.POST("/events/transactions", func(c echo.Context) error {
		var body pipeline.TransactionSubmission
		if err := c.Bind(&body); err != nil {
			return s.malformed(c, err)
		}
		traceID, err := sub.SubmitTransaction(c.Request().Context(), &body)
		return s.submitted(c, traceID, err)
	})
}

func (s *Server) malformed(c echo.Context, err error) error {
	s.logger.Debug(fmt.Sprintf("malformed submission: %v", err))
	return badRequest(c, "Malformed request body")
}

func (s *Server) submitted(c echo.Context, traceID string, err error) error {
	var verr *pipeline.ValidationError
	switch {
	case err == nil:
		c.Response().Header().Set(HeaderTraceID, traceID)
		return c.NoContent(http.StatusCreated)
	case errors.As(err, &verr):
		return badRequest(c, validationMessage(verr))
	default:
		return c.JSON(http.StatusInternalServerError, Message{Message: "Could not publish the event"})
	}
}

// validationMessage renders the client facing text of a validation failure.
func validationMessage(err *pipeline.ValidationError) string {
	switch {
	case err.Field == "timestamp" && err.Reason == pipeline.ReasonMissing:
		return "Missing 'timestamp' field"
	case err.Field == "timestamp":
		return "Invalid timestamp format"
	case err.Reason == pipeline.ReasonMissing:
		return "Missing required fields"
	case err.Reason == pipeline.ReasonNegative:
		return fmt.Sprintf("Field '%s' must not be negative", err.Field)
	case err.Reason == pipeline.ReasonTooLong:
		return fmt.Sprintf("Field '%s' is too long", err.Field)
	default:
		return fmt.Sprintf("Invalid field '%s'", err.Field)
	}
}
