package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		verbose, json bool
		wantDebug     bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, false},
		{true, true, true},
	}
	for _, tt := range tests {
		logger, err := New(tt.verbose, tt.json)
		if err != nil {
			t.Fatalf("New(%v, %v) error = %v", tt.verbose, tt.json, err)
		}
		if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
			t.Errorf("New(%v, %v) debug enabled = %v, want %v", tt.verbose, tt.json, got, tt.wantDebug)
		}
	}
}
