// Package logging wraps logrus behind a small, thread-safe facade, the way
// canonical-lxd's lxd-export/core/logger package wraps it for its tools.
package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields attached to a single line.
type Fields = logrus.Fields

// Logger is a thread-safe wrapper around a logrus.Logger.
type Logger struct {
	mu  sync.Mutex
	log *logrus.Logger
}

// New returns a Logger writing to the standard logrus text formatter.
func New() *Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{log: log}
}

// NewWithLevel returns a Logger set to the given level.
func NewWithLevel(level logrus.Level) *Logger {
	l := New()
	l.log.SetLevel(level)
	return l
}

func (l *Logger) entry(fields Fields) *logrus.Entry {
	if fields == nil {
		return logrus.NewEntry(l.log)
	}
	return l.log.WithFields(fields)
}

// Debug logs a debug-level message with optional structured fields.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log1(logrus.DebugLevel, msg, fields)
}

// Info logs an info-level message with optional structured fields.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log1(logrus.InfoLevel, msg, fields)
}

// Warn logs a warn-level message with optional structured fields.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log1(logrus.WarnLevel, msg, fields)
}

// Error logs an error-level message with optional structured fields.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log1(logrus.ErrorLevel, msg, fields)
}

func (l *Logger) log1(level logrus.Level, msg string, fields []Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var f Fields
	if len(fields) > 0 {
		f = fields[0]
	}
	entry := l.entry(f)
	switch level {
	case logrus.DebugLevel:
		entry.Debug(msg)
	case logrus.InfoLevel:
		entry.Info(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.ErrorLevel:
		entry.Error(msg)
	}
}
