package fate

import (
	"log"
	"os"
)

// Logger is the small structured-enough logging capability the engine uses.
// The engine reports failed store operations and undo failures through
// Warnf; it does not call Debugf or Infof. It intentionally mirrors the shape the
// teacher repo sketched for its never-wired-up coordinator.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// stdLogger is the default Logger, backed by the standard library.
type stdLogger struct {
	*log.Logger
}

// NewStdLogger returns a Logger that writes to os.Stderr with a "fate: "
// prefix, timestamps, and microsecond resolution.
func NewStdLogger() Logger {
	return &stdLogger{log.New(os.Stderr, "fate: ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *stdLogger) Debugf(format string, args ...any) { l.Printf("DEBUG "+format, args...) }
func (l *stdLogger) Infof(format string, args ...any)  { l.Printf("INFO "+format, args...) }
func (l *stdLogger) Warnf(format string, args ...any)  { l.Printf("WARN "+format, args...) }

// NopLogger discards everything; useful in tests that don't want log noise.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
