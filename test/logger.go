package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that discards output unless TEST_LOGS is set.
// TEST_LOGS=1 logs at info, 2 at debug and 3 at trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	l.SetLevel(levelFor(v))
	return l
}

// NewCapturingLogger returns a logger at debug level whose entries are recorded on the returned hook, output is
// still controlled by TEST_LOGS.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}

func levelFor(v string) logrus.Level {
	switch v {
	case "2":
		return logrus.DebugLevel
	case "3":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
