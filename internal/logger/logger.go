// Package logger provides the leveled logging interface used across the
// engine, backed by logrus.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every other package logs through. It is
// satisfied by *logrus.Entry.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the minimum level emitted by all loggers created with New.
func SetLevel(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// New returns a Logger tagged with name, e.g. "session", "peer <- 1.2.3.4:6881".
func New(name string) Logger {
	return base.WithField("component", name)
}
