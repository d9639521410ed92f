package kfmt

import (
	"github.com/sirupsen/logrus"
)

// logger emits the structured debug trace of kernel modules. Its output
// shares the console sink with Printf.
var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(consoleWriter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l
}

// Log returns a log entry tagged with the given kernel module name.
func Log(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetDebug toggles the kernel debug trace. When enabled, modules emit
// per-operation messages (for example every TLB fill).
func SetDebug(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	logger.SetLevel(logrus.InfoLevel)
}

// DebugEnabled returns true if the kernel debug trace is enabled.
func DebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}
