// Package logging provides the leveled, module-scoped logger the rest of
// the core takes as a constructor argument instead of reaching for a
// process-global sink.
package logging

import (
	"io"
	"os"

	golog "github.com/op/go-logging"
)

// Logger is the leveled logging surface every core component depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Noticef(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Backend owns the shared go-logging backend and hands out one Logger per
// module, each tagged with its module name the way a leveled backend
// normally is.
type Backend struct {
	backend golog.LeveledBackend
}

// NewBackend builds a Backend writing formatted records to w at the given
// level ("DEBUG", "INFO", "NOTICE", "WARNING", "ERROR"). An empty level
// defaults to "INFO".
func NewBackend(w io.Writer, level string) *Backend {
	if w == nil {
		w = os.Stdout
	}
	fmtr := golog.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}",
	)
	raw := golog.NewLogBackend(w, "", 0)
	formatted := golog.NewBackendFormatter(raw, fmtr)
	leveled := golog.AddModuleLevel(formatted)
	leveled.SetLevel(levelFromString(level), "")
	return &Backend{backend: leveled}
}

// Logger returns a Logger scoped to the given module name.
func (b *Backend) Logger(module string) Logger {
	l := golog.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

func levelFromString(level string) golog.Level {
	switch level {
	case "ERROR":
		return golog.ERROR
	case "WARNING":
		return golog.WARNING
	case "NOTICE":
		return golog.NOTICE
	case "DEBUG":
		return golog.DEBUG
	case "INFO", "":
		return golog.INFO
	default:
		return golog.INFO
	}
}

// Discard is a Logger that drops everything, used by tests that don't care
// about log output.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})   {}
func (discardLogger) Infof(string, ...interface{})    {}
func (discardLogger) Noticef(string, ...interface{})  {}
func (discardLogger) Warningf(string, ...interface{}) {}
func (discardLogger) Errorf(string, ...interface{})   {}
