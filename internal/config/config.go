package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models vigil.yml.
type Config struct {
	Scoring struct {
		Health struct {
			CompletionWeight float64 `yaml:"completion_weight"`
			BlockedWeight    float64 `yaml:"blocked_weight"`
			OverdueWeight    float64 `yaml:"overdue_weight"`
		} `yaml:"health"`
		Risk struct {
			OverdueWeight   float64 `yaml:"overdue_weight"`
			BlockedWeight   float64 `yaml:"blocked_weight"`
			HighLoadWeight  float64 `yaml:"high_load_weight"`
			ProximityWeight float64 `yaml:"proximity_weight"`
			HighLoadHours   float64 `yaml:"high_load_hours"`
		} `yaml:"risk"`
		Buckets struct {
			Medium   float64 `yaml:"medium"`
			High     float64 `yaml:"high"`
			Critical float64 `yaml:"critical"`
		} `yaml:"buckets"`
	} `yaml:"scoring"`
	Forecast struct {
		WindowDays int `yaml:"window_days"`
	} `yaml:"forecast"`
	Approvals struct {
		TTLHours map[string]int `yaml:"ttl_hours"`
	} `yaml:"approvals"`
	Reliability struct {
		MaxAttempts      int     `yaml:"max_attempts"`
		BackoffBaseMS    int     `yaml:"backoff_base_ms"`
		BreakerThreshold int     `yaml:"breaker_threshold"`
		BreakerCooldownS int     `yaml:"breaker_cooldown_s"`
		DispatchTimeoutS int     `yaml:"dispatch_timeout_s"`
		LockTTLMinutes   int     `yaml:"lock_ttl_minutes"`
		JitterFraction   float64 `yaml:"jitter_fraction"`
	} `yaml:"reliability"`
	Schedules struct {
		Snapshot     string `yaml:"snapshot"`
		RuleEval     string `yaml:"rule_eval"`
		ApprovalScan string `yaml:"approval_scan"`
		LockReclaim  string `yaml:"lock_reclaim"`
	} `yaml:"schedules"`
	Monitoring struct {
		StaleHours   int `yaml:"stale_hours"`
		BlockedHours int `yaml:"blocked_hours"`
	} `yaml:"monitoring"`
	Workload struct {
		OverloadHours  float64 `yaml:"overload_hours"`
		UnderloadHours float64 `yaml:"underload_hours"`
	} `yaml:"workload"`
}

var sensitivities = []string{"low", "medium", "high", "critical"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	h := c.Scoring.Health
	if h.CompletionWeight < 0 || h.BlockedWeight < 0 || h.OverdueWeight < 0 {
		return fmt.Errorf("config.scoring.health weights must be non-negative")
	}
	sum := h.CompletionWeight + h.BlockedWeight + h.OverdueWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("config.scoring.health weights must sum to 1.0, got %.2f", sum)
	}
	b := c.Scoring.Buckets
	if !(b.Medium < b.High && b.High < b.Critical) {
		return fmt.Errorf("config.scoring.buckets must be strictly increasing (medium < high < critical)")
	}
	if c.Scoring.Risk.HighLoadHours <= 0 {
		return fmt.Errorf("config.scoring.risk.high_load_hours must be positive")
	}
	if c.Forecast.WindowDays <= 0 {
		return fmt.Errorf("config.forecast.window_days must be positive")
	}
	for _, s := range sensitivities {
		if c.Approvals.TTLHours[s] <= 0 {
			return fmt.Errorf("config.approvals.ttl_hours.%s must be positive", s)
		}
	}
	r := c.Reliability
	if r.MaxAttempts < 1 {
		return fmt.Errorf("config.reliability.max_attempts must be at least 1")
	}
	if r.BackoffBaseMS <= 0 || r.BreakerThreshold <= 0 || r.BreakerCooldownS <= 0 {
		return fmt.Errorf("config.reliability backoff/breaker settings must be positive")
	}
	if r.DispatchTimeoutS <= 0 || r.LockTTLMinutes <= 0 {
		return fmt.Errorf("config.reliability timeout/lock settings must be positive")
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return fmt.Errorf("config.reliability.jitter_fraction must be in [0,1]")
	}
	if c.Workload.UnderloadHours >= c.Workload.OverloadHours {
		return fmt.Errorf("config.workload.underload_hours must be below overload_hours")
	}
	specs := map[string]string{
		"snapshot":      c.Schedules.Snapshot,
		"rule_eval":     c.Schedules.RuleEval,
		"approval_scan": c.Schedules.ApprovalScan,
		"lock_reclaim":  c.Schedules.LockReclaim,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config.schedules.%s: %w", name, err)
		}
	}
	return nil
}

// TTLHoursFor returns the approval TTL for a sensitivity level.
func (c *Config) TTLHoursFor(sensitivity string) int {
	if h, ok := c.Approvals.TTLHours[sensitivity]; ok {
		return h
	}
	return c.Approvals.TTLHours["medium"]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vigil.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scoring:
  health:
    completion_weight: 0.4
    blocked_weight: 0.3
    overdue_weight: 0.3

  risk:
    overdue_weight: 5
    blocked_weight: 3
    high_load_weight: 10
    proximity_weight: 5
    high_load_hours: 36

  buckets:
    medium: 15
    high: 30
    critical: 50

forecast:
  window_days: 30

approvals:
  ttl_hours:
    low: 72
    medium: 48
    high: 24
    critical: 4

reliability:
  max_attempts: 3
  backoff_base_ms: 250
  breaker_threshold: 5
  breaker_cooldown_s: 60
  dispatch_timeout_s: 30
  lock_ttl_minutes: 15
  jitter_fraction: 0.2

schedules:
  snapshot: "0 6 * * *"
  rule_eval: "*/15 * * * *"
  approval_scan: "*/5 * * * *"
  lock_reclaim: "*/10 * * * *"

monitoring:
  stale_hours: 48
  blocked_hours: 24

workload:
  overload_hours: 45
  underload_hours: 15
`
