// Package lslog provides the structured per-module logging used throughout
// landslide and quicksand, along with an assertion helper for invariant
// violations that must be fatal rather than recoverable (see spec.md §7).
package lslog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Level mirrors the original instrumentation's verbosity classes
// (DEV, BRANCH, CHOICE, INFO) so call sites translate one-for-one.
type Level int

const (
	// Dev is copious, developer-only tracing of arbiter/scheduler internals.
	Dev Level = iota
	// Branch reports the shape of the choice tree as branches are explored.
	Branch
	// Choice reports individual scheduling decisions.
	Choice
	// Info is user-facing progress and lifecycle reporting.
	Info
)

// Logger is a per-module logger, analogous to the original's
// MODULE_NAME/MODULE_COLOUR pair baked into each .c file.
type Logger struct {
	module string
	entry  *logrus.Entry
}

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetVerbose raises the base logger to debug level, matching the static
// config's VERBOSE=1 knob (§6.3).
func SetVerbose(verbose bool) {
	if verbose {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// New returns a logger tagged with the given module name, e.g. "ARBITER".
func New(module string) *Logger {
	return &Logger{module: module, entry: base.WithField("module", module)}
}

// Logf logs a formatted message at the given verbosity level.
func (l *Logger) Logf(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case Dev:
		l.entry.Debug(msg)
	case Branch, Choice:
		l.entry.Debug(msg)
	default:
		l.entry.Info(msg)
	}
}

// Infof logs at Info level unconditionally (user-facing progress).
func (l *Logger) Infof(format string, args ...any) {
	l.Logf(Info, format, args...)
}

// Warnf logs a recoverable-condition warning (malformed PP line, dropped
// write, etc.) per spec.md §7's "Warned, skipped" policy.
func (l *Logger) Warnf(format string, args ...any) {
	l.entry.Warn(fmt.Sprintf(format, args...))
}

// Assert panics with a formatted message when cond is false. Used for the
// invariants spec.md §7 calls out as "Fatal; indicates programming defect":
// one-thread-per-PP, the longjmp ancestor check, and lifecycle transition
// sanity. These are never meant to be caught in normal operation.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic("landslide: invariant violated: " + fmt.Sprintf(format, args...))
	}
}
