package api

import (
	"net/http"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/labstack/echo/v4"
)

// StatsSource is implemented by pipeline.Aggregator.
type StatsSource interface {
	Checkpoint() pipeline.Checkpoint
}

// RegisterProcessing adds the stats route.
func (s *Server) RegisterProcessing(src StatsSource) {
	if src == nil {
		panic("stats source is mandatory")
	}
	s.services = append(s.services, "processing")

	s.echo.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, src.Checkpoint())
	})
}
