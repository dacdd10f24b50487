// Package tslogtest provides utilities for using [tslog] in tests.
package tslogtest

import (
	"testing"

	"github.com/database64128/tcprelay-go/tslog"
)

// Config is [tslog.Config] for use in tests.
type Config tslog.Config

// NewTestLogger creates a new [*tslog.Logger] that writes through t.Logf.
//
// It fails the test if the configuration is invalid.
func (c Config) NewTestLogger(t testing.TB) *tslog.Logger {
	t.Helper()
	cfg := tslog.Config(c)
	if cfg.Kind == "" {
		cfg.NoColor = true
	}
	logger, err := cfg.NewLogger(testingWriter{t})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// testingWriter writes each log line through t.Logf.
type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
