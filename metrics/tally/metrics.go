package tally

import (
	"io"
	"time"

	"github.com/3rs4lg4d0/goevents/metrics"
	"github.com/3rs4lg4d0/goevents/pipeline"
	prom "github.com/prometheus/client_golang/prometheus"
	tally "github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

const reportInterval = time.Second

type Counter struct {
	Counter tally.Counter
}

var _ pipeline.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Factory creates counters on a tally scope.
type Factory struct {
	Scope tally.Scope
}

var _ metrics.Factory = (*Factory)(nil)

func (f *Factory) Counter(name, _ string) pipeline.Counter {
	return &Counter{Counter: f.Scope.Counter(name)}
}

// NewPrometheusScope returns a root scope reported through the prometheus
// registerer. The closer flushes and stops the reporting loop.
func NewPrometheusScope(namespace string, reg prom.Registerer, onError func(error)) (tally.Scope, io.Closer) {
	reporter := promreporter.NewReporter(promreporter.Options{
		Registerer:      reg,
		OnRegisterError: onError,
	})
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:         namespace,
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, reportInterval)
}
