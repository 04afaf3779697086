// Package logging provides structured logging for the vsb CLI.
package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with the CLI's stream convention: stdout carries
// normal log output, stderr is reserved for output the user reads directly
// (hook stderr, confirmation prompts).
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// hadError latches true the moment any logger emits an Error-level event.
// The CLI reads it at exit: the process exits 0 iff no error-level event
// occurred during the chosen subcommand, regardless of which logger (or
// goroutine) produced it.
var hadError atomic.Bool

type errorLatchHook struct{}

func (errorLatchHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.ErrorLevel {
		hadError.Store(true)
	}
}

// HadError reports whether any logger has emitted an Error-level event
// since the process started (or since ResetHadError was last called).
func HadError() bool { return hadError.Load() }

// ResetHadError clears the latch; used at the start of each CLI invocation.
func ResetHadError() { hadError.Store(false) }

// New creates a logger writing to stdout with a human-readable console format.
func New() *Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}

	zlog := zerolog.New(output).Hook(errorLatchHook{}).With().Timestamp().Logger()

	return &Logger{zlog: zlog, output: output}
}

// Info returns an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.zlog.Info() }

// Error returns an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// Debug returns a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Warn returns a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.zlog.Warn() }

// With creates a child logger context.
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) { l.zlog.Info().Msgf(format, args...) }

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) { l.zlog.Warn().Msgf(format, args...) }

// Debugf logs a debug message with printf-style formatting.
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }

// SetVerbosity maps the CLI's -v count to a zerolog level: 0 = info, 1 = debug,
// 2+ = trace.
func SetVerbosity(count int) {
	switch {
	case count <= 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case count == 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
}

// SetWarnOnly forces the global level to warn, used by --cron so routine
// informational output is suppressed but failures still surface.
func SetWarnOnly() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
