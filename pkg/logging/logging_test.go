package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestSetupLevels ensures Setup can be called with different log levels without panic.
func TestSetupLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "invalid"}
	for _, l := range levels {
		Setup(l, true) // just assert no panic
	}
	Setup("warn", false)
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}
}
