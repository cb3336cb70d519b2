// Package app builds every goevents component from the configuration.
package app

import (
	"io"

	"github.com/3rs4lg4d0/goevents/config"
	zlg "github.com/3rs4lg4d0/goevents/logger/zerolog"
	"github.com/3rs4lg4d0/goevents/metrics"
	promfactory "github.com/3rs4lg4d0/goevents/metrics/prometheus"
	tallyfactory "github.com/3rs4lg4d0/goevents/metrics/tally"
	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// App holds the collaborators shared by every service of the process.
type App struct {
	cfg      *config.Config
	zl       zerolog.Logger
	logger   *zlg.Logger
	registry *prometheus.Registry
	counters metrics.Counters
	metrics  io.Closer
}

// New creates the logger and the metrics backend. Log lines are written to out.
func New(cfg *config.Config, out io.Writer) (*App, error) {
	zl, err := zlg.New(out, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		zl:     zl,
		logger: &zlg.Logger{Logger: zl},
	}
	a.initMetrics()
	return a, nil
}

// Logger returns the logger of a component.
func (a *App) Logger(component string) pipeline.Logger {
	return a.logger.Named(component)
}

// Settings returns the pipeline settings.
func (a *App) Settings() pipeline.Settings {
	return a.cfg.Settings()
}

// Gatherer returns the registry served on /metrics, nil when metrics are off.
func (a *App) Gatherer() prometheus.Gatherer {
	if a.registry == nil {
		return nil
	}
	return a.registry
}

func (a *App) initMetrics() {
	var factory metrics.Factory = metrics.NopFactory{}
	switch a.cfg.Metrics.Backend {
	case config.MetricsPrometheus:
		a.registry = newRegistry()
		factory = &promfactory.Factory{Namespace: a.cfg.Metrics.Namespace, Registerer: a.registry}
	case config.MetricsTally:
		a.registry = newRegistry()
		l := a.Logger("metrics")
		scope, closer := tallyfactory.NewPrometheusScope(a.cfg.Metrics.Namespace, a.registry, func(err error) {
			l.Error("could not register a tally metric", err)
		})
		a.metrics = closer
		factory = &tallyfactory.Factory{Scope: scope}
	}
	a.counters = metrics.NewCounters(factory)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Close flushes the metrics backend.
func (a *App) Close() error {
	if a.metrics != nil {
		return a.metrics.Close()
	}
	return nil
}
