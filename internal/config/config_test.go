package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadHealthWeights(t *testing.T) {
	cfg := Default()
	cfg.Scoring.Health.CompletionWeight = 0.9
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("expected weight-sum error, got %v", err)
	}
}

func TestValidateRejectsBadCronSpec(t *testing.T) {
	for field, set := range map[string]func(*Config, string){
		"snapshot":      func(c *Config, s string) { c.Schedules.Snapshot = s },
		"rule_eval":     func(c *Config, s string) { c.Schedules.RuleEval = s },
		"approval_scan": func(c *Config, s string) { c.Schedules.ApprovalScan = s },
		"lock_reclaim":  func(c *Config, s string) { c.Schedules.LockReclaim = s },
	} {
		cfg := Default()
		set(cfg, "every full moon")
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "config.schedules."+field) {
			t.Fatalf("%s: expected schedule error, got %v", field, err)
		}
	}
}

func TestValidateAllowsEmptySchedule(t *testing.T) {
	cfg := Default()
	cfg.Schedules.Snapshot = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty schedule disables the job, must validate: %v", err)
	}
}
