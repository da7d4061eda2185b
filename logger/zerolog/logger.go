// Package zerolog adapts zerolog to the rbx.Logger contract.
package zerolog

import (
	"io"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/rs/zerolog"
)

// Logger is the zerolog implementation of rbx.Logger.
type Logger struct {
	Logger zerolog.Logger
}

var _ rbx.Logger = (*Logger)(nil)

// New creates a timestamped logger writing JSON lines to w at the given level.
// An unknown level falls back to info.
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Logger{Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// For returns a child logger tagging every entry with the component name.
func (l *Logger) For(component string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
