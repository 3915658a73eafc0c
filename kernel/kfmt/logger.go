// Package kfmt provides the kernel's structured logger and panic handler.
//
// Log records emitted before an output sink is attached are kept in a small
// ring buffer and replayed once SetOutputSink is called.
package kfmt

import (
	"io"

	"github.com/sirupsen/logrus"
)

var (
	earlyBuf ringBuffer

	root = newRootLogger()
)

func newRootLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = &earlyBuf
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	l.Level = logrus.InfoLevel
	return l
}

// Logger returns a log entry tagged with the name of the module that emits it.
func Logger(module string) *logrus.Entry {
	return root.WithField("module", module)
}

// SetOutputSink flushes any buffered early output to w and directs all
// subsequent log records to it. Passing a nil writer has no effect.
func SetOutputSink(w io.Writer) {
	if w == nil {
		return
	}

	_, _ = io.Copy(w, &earlyBuf)
	root.SetOutput(w)
}

// SetLevel adjusts the minimum level of records that are emitted.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}
