package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/domain"
)

func rule(name, metric, operator string, value float64, severity string) domain.AutomationRule {
	return domain.AutomationRule{
		ID:       "rule-" + name,
		Name:     name,
		Metric:   metric,
		Operator: operator,
		Value:    value,
		Severity: severity,
		Action:   "escalate",
		Enabled:  true,
	}
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare(">", 5, 3))
	assert.False(t, Compare(">", 3, 3))
	assert.True(t, Compare(">=", 3, 3))
	assert.True(t, Compare("<", 2, 3))
	assert.True(t, Compare("<=", 3, 3))
	assert.True(t, Compare("==", 3, 3))
	assert.True(t, Compare("!=", 2, 3))
	assert.False(t, Compare("~=", 3, 3))
}

func TestEvaluateMatchesAndSkips(t *testing.T) {
	ruleset := []domain.AutomationRule{
		rule("too many blocked", "blocked_count", ">", 2, "high"),
		rule("low health", "health_score", "<", 50, "medium"),
		rule("missing metric", "unknown_metric", ">", 0, "low"),
	}
	disabled := rule("disabled", "blocked_count", ">", 0, "critical")
	disabled.Enabled = false
	ruleset = append(ruleset, disabled)

	metrics := map[string]float64{"blocked_count": 3, "health_score": 80}
	firings := Evaluate(ruleset, "proj-1", metrics)
	require.Len(t, firings, 1)
	assert.Equal(t, "too many blocked", firings[0].Rule.Name)
	assert.Equal(t, 3.0, firings[0].Observed)
	assert.Contains(t, firings[0].Reason, "blocked_count > 2")
}

func TestCooldownActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	twoHoursAgo := now.Add(-2 * time.Hour).Format(time.RFC3339)
	dayAgo := now.Add(-25 * time.Hour).Format(time.RFC3339)

	assert.True(t, CooldownActive(twoHoursAgo, 24, now))
	assert.False(t, CooldownActive(dayAgo, 24, now))
	assert.False(t, CooldownActive("", 24, now))
	assert.False(t, CooldownActive(twoHoursAgo, 0, now))
	assert.False(t, CooldownActive("not-a-time", 24, now))
}

func TestResolveConflictsKeepsHighestSeverity(t *testing.T) {
	firings := []Firing{
		{Rule: rule("a", "blocked_count", ">", 1, "medium"), SubjectID: "p1", Metric: "blocked_count"},
		{Rule: rule("b", "blocked_count", ">", 3, "critical"), SubjectID: "p1", Metric: "blocked_count"},
		{Rule: rule("c", "health_score", "<", 50, "low"), SubjectID: "p1", Metric: "health_score"},
		{Rule: rule("d", "blocked_count", ">", 1, "high"), SubjectID: "p2", Metric: "blocked_count"},
	}
	resolved := ResolveConflicts(firings)
	require.Len(t, resolved, 3)
	assert.Equal(t, "b", resolved[0].Rule.Name)
	assert.Equal(t, "c", resolved[1].Rule.Name)
	assert.Equal(t, "d", resolved[2].Rule.Name)
}
