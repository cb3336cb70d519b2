// Package metrics names the pipeline counters and hides the metrics backend
// behind a counter factory.
package metrics

import (
	"strings"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/iancoleman/strcase"
)

// Factory creates named counters on a metrics backend.
type Factory interface {
	Counter(name, help string) pipeline.Counter
}

type NopFactory struct{}

var _ Factory = NopFactory{}

func (NopFactory) Counter(string, string) pipeline.Counter {
	return &pipeline.NopCounter{}
}

// Pair is the success/error counter couple handed to a pipeline component.
type Pair struct {
	Success pipeline.Counter
	Error   pipeline.Counter
}

// Option returns the pipeline option installing the pair.
func (p Pair) Option() pipeline.Option {
	return pipeline.WithCounters(p.Success, p.Error)
}

// Counters of every pipeline component.
type Counters struct {
	Ingestor   Pair
	Consumer   Pair
	Aggregator Pair
}

// NewCounters registers the pipeline counters on f.
func NewCounters(f Factory) Counters {
	if f == nil {
		f = NopFactory{}
	}
	return Counters{
		Ingestor: Pair{
			Success: f.Counter(Name("events", "ingested"), "Submissions published to the broker."),
			Error:   f.Counter(Name("events", "rejected"), "Submissions rejected or not published."),
		},
		Consumer: Pair{
			Success: f.Counter(Name("events", "persisted"), "Broker messages handled successfully, including redeliveries."),
			Error:   f.Counter(Name("events", "failed"), "Broker messages that could not be persisted."),
		},
		Aggregator: Pair{
			Success: f.Counter(Name("aggregation", "cycles"), "Aggregation cycles committed."),
			Error:   f.Counter(Name("aggregation", "failures"), "Aggregation cycles aborted."),
		},
	}
}

// Name builds a snake case metric name from its parts (e.g. "eventsIngested"
// and "total" give "events_ingested_total").
func Name(parts ...string) string {
	return strcase.ToSnake(strings.Join(parts, "_"))
}
