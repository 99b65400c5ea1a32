// Package obs carries the ambient logging and metrics surface shared by
// the control plane, data planes, registry and client. It keeps the
// teacher's Info/Error/Debug(msg, Fields) call shape but backs it with
// logrus instead of a hand-rolled JSON-lines writer.
package obs

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
}

// EnableDebug globally enables debug-level logs.
func EnableDebug(v bool) {
	if v {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a flat map of structured log fields, same shape as the
// teacher's obs.Fields.
type Fields map[string]any

func fieldsToLogrus(f Fields) logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func Info(msg string, f Fields)  { logger.WithFields(fieldsToLogrus(f)).Info(msg) }
func Error(msg string, f Fields) { logger.WithFields(fieldsToLogrus(f)).Error(msg) }
func Warn(msg string, f Fields)  { logger.WithFields(fieldsToLogrus(f)).Warn(msg) }
func Debug(msg string, f Fields) { logger.WithFields(fieldsToLogrus(f)).Debug(msg) }
