package metrics

import (
	"testing"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/stretchr/testify/assert"
)

type recordingFactory struct {
	names []string
}

func (f *recordingFactory) Counter(name, _ string) pipeline.Counter {
	f.names = append(f.names, name)
	return &pipeline.NopCounter{}
}

func TestName(t *testing.T) {
	testcases := []struct {
		parts []string
		want  string
	}{
		{parts: []string{"events", "ingested"}, want: "events_ingested"},
		{parts: []string{"eventsIngested", "total"}, want: "events_ingested_total"},
		{parts: []string{"Aggregation Cycles"}, want: "aggregation_cycles"},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.want, Name(tc.parts...))
	}
}

func TestNewCounters(t *testing.T) {
	f := &recordingFactory{}
	c := NewCounters(f)
	assert.Equal(t, []string{
		"events_ingested", "events_rejected",
		"events_persisted", "events_failed",
		"aggregation_cycles", "aggregation_failures",
	}, f.names)
	assert.NotNil(t, c.Consumer.Option())

	nop := NewCounters(nil)
	assert.IsType(t, &pipeline.NopCounter{}, nop.Aggregator.Error)
}
