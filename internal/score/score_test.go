package score

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRiskOverdueAndBlocked(t *testing.T) {
	cfg := testConfig(t)
	stats := repo.TaskStats{Total: 10, Completed: 2, Overdue: 1, Blocked: 3}
	riskScore, factors := Risk(stats, Schedule{Now: time.Now()}, cfg)
	assert.Equal(t, 14.0, riskScore)
	assert.Equal(t, "low", Level(riskScore, cfg))
	require.Len(t, factors, 2)
	assert.Equal(t, "1 overdue task (+5)", factors[0])
	assert.Equal(t, "3 blocked tasks (+9)", factors[1])
}

func TestRiskLevelBoundaries(t *testing.T) {
	cfg := testConfig(t)
	cases := []struct {
		score float64
		level string
	}{
		{0, "low"},
		{14.9, "low"},
		{15, "medium"},
		{29.9, "medium"},
		{30, "high"},
		{49.9, "high"},
		{50, "critical"},
		{100, "critical"},
	}
	for _, c := range cases {
		assert.Equal(t, c.level, Level(c.score, cfg), "score %.1f", c.score)
	}
}

func TestRiskClampedAt100(t *testing.T) {
	cfg := testConfig(t)
	stats := repo.TaskStats{Total: 100, Overdue: 30, Blocked: 20, HighLoadActors: 5}
	riskScore, _ := Risk(stats, Schedule{Now: time.Now()}, cfg)
	assert.Equal(t, 100.0, riskScore)
}

func TestRiskDeadlineProximity(t *testing.T) {
	cfg := testConfig(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stats := repo.TaskStats{Total: 5}

	past := now.Add(-24 * time.Hour)
	riskScore, factors := Risk(stats, Schedule{TargetDate: &past, Now: now}, cfg)
	assert.Equal(t, 20.0, riskScore)
	require.Len(t, factors, 1)
	assert.Equal(t, "target date passed (+20)", factors[0])

	soon := now.Add(5 * 24 * time.Hour)
	riskScore, _ = Risk(stats, Schedule{TargetDate: &soon, Now: now}, cfg)
	assert.Equal(t, 15.0, riskScore)

	twoWeeks := now.Add(12 * 24 * time.Hour)
	riskScore, _ = Risk(stats, Schedule{TargetDate: &twoWeeks, Now: now}, cfg)
	assert.Equal(t, 5.0, riskScore)

	far := now.Add(60 * 24 * time.Hour)
	riskScore, _ = Risk(stats, Schedule{TargetDate: &far, Now: now}, cfg)
	assert.Equal(t, 0.0, riskScore)
}

func TestHealthAllDone(t *testing.T) {
	cfg := testConfig(t)
	stats := repo.TaskStats{Total: 10, Completed: 10}
	assert.Equal(t, 100.0, Health(stats, cfg))
}

func TestHealthDegradesWithBlockers(t *testing.T) {
	cfg := testConfig(t)
	healthy := Health(repo.TaskStats{Total: 10, Completed: 5}, cfg)
	blocked := Health(repo.TaskStats{Total: 10, Completed: 5, Blocked: 4}, cfg)
	assert.Less(t, blocked, healthy)
	assert.GreaterOrEqual(t, blocked, 0.0)
}

func TestHealthClamped(t *testing.T) {
	cfg := testConfig(t)
	stats := repo.TaskStats{Total: 10, Blocked: 10, Overdue: 10}
	health := Health(stats, cfg)
	assert.Equal(t, 0.0, health)
}

func TestComputeNoTasks(t *testing.T) {
	cfg := testConfig(t)
	res := Compute(repo.TaskStats{}, Schedule{Now: time.Now()}, cfg)
	assert.Equal(t, "unknown", res.RiskLevel)
	assert.Equal(t, 100.0, res.HealthScore)
	assert.Equal(t, 0.0, res.RiskScore)
}

func TestComputeCombined(t *testing.T) {
	cfg := testConfig(t)
	stats := repo.TaskStats{Total: 20, Completed: 4, Overdue: 4, Blocked: 5, HighLoadActors: 2}
	res := Compute(stats, Schedule{Now: time.Now()}, cfg)
	// 4*5 + 5*3 + 2*10 = 55
	assert.Equal(t, 55.0, res.RiskScore)
	assert.Equal(t, "critical", res.RiskLevel)
	assert.NotEmpty(t, res.Factors)
}

func TestRecommendationPerLevel(t *testing.T) {
	for _, level := range []string{"low", "medium", "high", "critical", "unknown"} {
		assert.NotEmpty(t, Recommendation(level))
	}
}
