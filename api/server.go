// Package api exposes the pipeline over HTTP: submission routes for the
// receiver, query routes for the storage service and the aggregation stats of
// the processing service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var jsonAPI = sonic.ConfigStd

// Message is the body of every error response.
type Message struct {
	Message string `json:"message"`
}

// Settings of the HTTP server.
type Settings struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	echo     *echo.Echo
	server   *http.Server
	logger   pipeline.Logger
	services []string
}

var _ pipeline.Loggable = (*Server)(nil)

// New creates a server with the health and metrics routes. Access logs are
// written to zl; metrics are served from gatherer when it is not nil.
func New(s Settings, zl zerolog.Logger, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(hlog.NewHandler(zl)))
	e.Use(echo.WrapMiddleware(hlog.RequestIDHandler("req_id", "X-Request-Id")))
	e.Use(echo.WrapMiddleware(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	})))

	srv := &Server{
		echo: e,
		server: &http.Server{
			Addr:         s.Addr,
			Handler:      e,
			ReadTimeout:  s.ReadTimeout,
			WriteTimeout: s.WriteTimeout,
		},
		logger: &pipeline.NopLogger{},
	}

	e.GET("/", srv.home)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return srv
}

// SetLogger sets an optional logger.
func (s *Server) SetLogger(l pipeline.Logger) {
	s.logger = l
}

// Handler returns the root handler, mostly useful in tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) home(c echo.Context) error {
	return c.String(http.StatusOK, fmt.Sprintf("goevents is running: %s", strings.Join(s.services, ", ")))
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info(fmt.Sprintf("listening on %s", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Message{Message: msg})
}

// errorHandler renders echo errors with the same body as handler errors.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, Message{Message: msg})
}

type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := jsonAPI.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := jsonAPI.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request body").SetInternal(err)
	}
	return nil
}
