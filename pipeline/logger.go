package pipeline

// Logger defines the contract for loggers used across the pipeline.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable defines a contract for collaborators (brokers, repositories,
// checkpoint stores) that can write to the pipeline log.
type Loggable interface {
	SetLogger(Logger)
}

type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Debug(msg string) {} //nolint:all

func (*NopLogger) Warn(msg string) {} //nolint:all

func (*NopLogger) Error(msg string, err error) {} //nolint:all

func (*NopLogger) Info(msg string) {} //nolint:all

// propagateLogger hands l to every collaborator that accepts a logger.
func propagateLogger(l Logger, collaborators ...any) {
	for _, c := range collaborators {
		if lc, ok := c.(Loggable); ok {
			lc.SetLogger(l)
		}
	}
}
