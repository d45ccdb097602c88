// Package logging wraps logrus with the field conventions used throughout
// this daemon: every log line carries a "component" and, where relevant, a
// "model" field so operators can grep one model's history out of a shared
// log stream.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to w at the given level. An empty or invalid
// level falls back to info, matching the daemon's tolerant config loading.
func New(w io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// NewStderr is a convenience constructor for the common case.
func NewStderr(level string) *logrus.Logger {
	return New(os.Stderr, level)
}

// Component returns a logger scoped to one component, e.g. "gateway" or
// "lifecycle".
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Model returns a logger scoped to one component and one model name.
func Model(l *logrus.Logger, component, name string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"component": component, "model": name})
}
