// Package log provides leveled, component-tagged logging for the gateway,
// mirroring the calling convention of rclone's fs.Errorf/fs.Debugf/fs.Infof:
// the first argument is the subject being logged about (a path, a cursor,
// a component name), not a free-form message.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped leveled logger.
type Logger struct {
	entry *logrus.Entry
}

var base = logrus.New()

// SetLevel adjusts the global log level, e.g. from a -v/-vv style flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a Logger scoped to the named component ("metadata", "blockcache", ...).
func For(component string) Logger {
	return Logger{entry: base.WithField("component", component)}
}

func subject(subj any, format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if subj == nil {
		return msg
	}
	return fmt.Sprintf("%v: %s", subj, msg)
}

// Errorf logs an error-level message about subj.
func (l Logger) Errorf(subj any, format string, args ...any) {
	l.entry.Error(subject(subj, format, args...))
}

// Infof logs an info-level message about subj.
func (l Logger) Infof(subj any, format string, args ...any) {
	l.entry.Info(subject(subj, format, args...))
}

// Debugf logs a debug-level message about subj.
func (l Logger) Debugf(subj any, format string, args ...any) {
	l.entry.Debug(subject(subj, format, args...))
}
