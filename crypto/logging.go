package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// keyPreviewLen is how many leading bytes of key material may be logged.
const keyPreviewLen = 4

// LoggerHelper builds one logrus entry tagged with the package and function
// that emits it.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger starts an entry for function in package pkg.
func NewLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		entry: logrus.WithFields(logrus.Fields{
			"package":  pkg,
			"function": function,
		}),
	}
}

// WithField adds one field.
func (l *LoggerHelper) WithField(key string, value any) *LoggerHelper {
	l.entry = l.entry.WithField(key, value)
	return l
}

// WithKey records a preview of key material under name. The key itself is
// never logged.
func (l *LoggerHelper) WithKey(name string, key []byte) *LoggerHelper {
	l.entry = l.entry.WithFields(KeyPreview(name, key))
	return l
}

// WithError records err and the operation that failed.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	l.entry = l.entry.WithError(err).WithField("operation", operation)
	return l
}

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }

func (l *LoggerHelper) Info(message string) { l.entry.Info(message) }

func (l *LoggerHelper) Warn(message string) { l.entry.Warn(message) }

func (l *LoggerHelper) Error(message string) { l.entry.Error(message) }

// KeyPreview returns name_preview (hex of at most the first four bytes, with
// a trailing "..." when truncated) and name_size fields.
func KeyPreview(name string, key []byte) logrus.Fields {
	preview := "nil"
	switch {
	case len(key) > keyPreviewLen:
		preview = hex.EncodeToString(key[:keyPreviewLen]) + "..."
	case len(key) > 0:
		preview = hex.EncodeToString(key)
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(key),
	}
}
