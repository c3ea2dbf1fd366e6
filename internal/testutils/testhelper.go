package testutils

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/obd"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// SilentLogger returns a logger that discards everything.
func SilentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// FastManagerOptions shrinks every manager delay so the full connect, init and
// poll cycle completes in tens of milliseconds.
func FastManagerOptions() *obd.Options {
	return &obd.Options{
		AttemptTimeout:   20 * time.Millisecond,
		SettleDelay:      5 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		InitCommandDelay: 1 * time.Millisecond,
		ResponseDelay:    1 * time.Millisecond,
		StateBuffer:      32,
		SpeedBuffer:      64,
	}
}
