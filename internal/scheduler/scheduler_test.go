package scheduler

import (
	"testing"

	"vigil/internal/config"
	"vigil/internal/engine"
)

func TestStartRejectsInvalidSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules.Snapshot = "every full moon"
	s := New(engine.Engine{Config: cfg})
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected Start to reject the malformed schedule")
	}
}

func TestStartWithAllJobsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules.Snapshot = ""
	cfg.Schedules.RuleEval = ""
	cfg.Schedules.ApprovalScan = ""
	cfg.Schedules.LockReclaim = ""
	s := New(engine.Engine{Config: cfg})
	if err := s.Start(); err != nil {
		t.Fatalf("start with no jobs: %v", err)
	}
	s.Stop()
}
