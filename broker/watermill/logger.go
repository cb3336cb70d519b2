package watermill

import (
	"fmt"
	"slices"
	"strings"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/ThreeDotsLabs/watermill"
)

// LoggerAdapter routes watermill logs to a pipeline.Logger. Fields are
// appended to the message as sorted key=value pairs.
type LoggerAdapter struct {
	logger pipeline.Logger
	fields watermill.LogFields
}

var _ watermill.LoggerAdapter = (*LoggerAdapter)(nil)

func NewLoggerAdapter(l pipeline.Logger) *LoggerAdapter {
	if l == nil {
		l = &pipeline.NopLogger{}
	}
	return &LoggerAdapter{logger: l}
}

func (a *LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(a.format(msg, fields), err)
}

func (a *LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(a.format(msg, fields))
}

func (a *LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(a.format(msg, fields))
}

// Trace is folded into debug.
func (a *LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(a.format(msg, fields))
}

func (a *LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LoggerAdapter{logger: a.logger, fields: a.fields.Add(fields)}
}

func (a *LoggerAdapter) format(msg string, fields watermill.LogFields) string {
	all := a.fields.Add(fields)
	if len(all) == 0 {
		return msg
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}
	return b.String()
}
