package profiling

import (
	"testing"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/config"
)

func TestStart_Disabled(t *testing.T) {
	p, err := Start(&config.ProfilingConfig{Enabled: false}, "", zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p != nil {
		t.Error("Expected nil profiler when disabled")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Expected Stop on nil profiler to succeed, got: %v", err)
	}
}

func TestProfileTypes(t *testing.T) {
	cfg := &config.ProfilingConfig{CPUProfile: true, MutexProfile: true}
	types := ProfileTypes(cfg)
	if len(types) != 3 {
		t.Errorf("Expected 3 profile types (cpu + 2 mutex), got %d", len(types))
	}

	if got := ProfileTypes(&config.ProfilingConfig{}); len(got) != 0 {
		t.Errorf("Expected no profile types, got %d", len(got))
	}
}
