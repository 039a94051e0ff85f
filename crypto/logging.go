package crypto

import (
	"github.com/sirupsen/logrus"
)

// LoggerHelper builds log entries for codec operations. Only sizes,
// operation names and error strings are ever attached; keys, digests and
// plaintext never are.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger starts an entry tagged with the calling function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{entry: logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})}
}

// WithField returns a helper carrying one more field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

// WithError records a failed operation.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(logrus.Fields{
		"error":     err.Error(),
		"operation": operation,
	})}
}

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }

func (l *LoggerHelper) Warn(message string) { l.entry.Warn(message) }
