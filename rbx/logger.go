package rbx

// Logger is the logging contract of the pipeline and its adapters. Errors are
// passed apart from the message so adapters can log them as a field.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable is implemented by collaborators that accept the pipeline logger.
// rbx.New hands its logger to every collaborator implementing it.
type Loggable interface {
	SetLogger(Logger)
}

// NopLogger discards everything. It is the default logger of every component.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Info(string) {}

func (*NopLogger) Debug(string) {}

func (*NopLogger) Warn(string) {}

func (*NopLogger) Error(string, error) {}
