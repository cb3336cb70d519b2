package prometheus

import (
	"errors"

	"github.com/3rs4lg4d0/goevents/metrics"
	"github.com/3rs4lg4d0/goevents/pipeline"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Counter adapts a prometheus counter to pipeline.Counter.
type Counter struct {
	Counter prom.Counter
}

var _ pipeline.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	if delta < 0 {
		return
	}
	c.Counter.Add(float64(delta))
}

// Factory registers counters on a prometheus registerer. Asking twice for the
// same name returns the counter already registered.
type Factory struct {
	Namespace  string
	Registerer prom.Registerer
}

var _ metrics.Factory = (*Factory)(nil)

func (f *Factory) Counter(name, help string) pipeline.Counter {
	c := prom.NewCounter(prom.CounterOpts{
		Namespace: f.Namespace,
		Name:      name,
		Help:      help,
	})
	if err := f.Registerer.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prom.Counter); ok {
				return &Counter{Counter: existing}
			}
		}
		panic(err)
	}
	return &Counter{Counter: c}
}
