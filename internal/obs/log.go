package obs

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var base = newLogger(os.Stdout)

func newLogger(out io.Writer) *logrus.Logger {
	return &logrus.Logger{
		Out: out,
		Formatter: &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log lines to w. Tests use it to capture events.
func SetOutput(w io.Writer) { base.SetOutput(w) }

type Fields = logrus.Fields

func Info(msg string, f Fields)  { base.WithFields(f).Info(msg) }
func Warn(msg string, f Fields)  { base.WithFields(f).Warn(msg) }
func Error(msg string, f Fields) { base.WithFields(f).Error(msg) }
func Debug(msg string, f Fields) { base.WithFields(f).Debug(msg) }
