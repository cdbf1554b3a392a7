// Package score computes project health and risk from task counters.
// All functions are pure so callers control time and policy.
package score

import (
	"fmt"
	"time"

	"vigil/internal/config"
	"vigil/internal/repo"
)

// Schedule carries the deadline context for proximity scoring.
type Schedule struct {
	TargetDate *time.Time
	Now        time.Time
}

type Result struct {
	HealthScore float64
	RiskScore   float64
	RiskLevel   string
	Factors     []string
}

// Compute derives both scores from the counters. A project with no tasks has
// nothing to score: risk level is unknown and health defaults to 100.
func Compute(stats repo.TaskStats, sched Schedule, cfg *config.Config) Result {
	if stats.Total == 0 {
		return Result{HealthScore: 100, RiskLevel: "unknown", Factors: []string{"no tasks to assess"}}
	}
	res := Result{
		HealthScore: Health(stats, cfg),
	}
	res.RiskScore, res.Factors = Risk(stats, sched, cfg)
	res.RiskLevel = Level(res.RiskScore, cfg)
	return res
}

// Health blends completion against blocked and overdue pressure. Rates are
// percentages; blocked and overdue count double since each stalls more work
// than one task.
func Health(stats repo.TaskStats, cfg *config.Config) float64 {
	if stats.Total == 0 {
		return 100
	}
	w := cfg.Scoring.Health
	completionRate := float64(stats.Completed) / float64(stats.Total) * 100
	blockedRate := float64(stats.Blocked) / float64(stats.Total) * 100
	overdueRate := float64(stats.Overdue) / float64(stats.Total) * 100
	score := completionRate*w.CompletionWeight +
		(100-blockedRate*2)*w.BlockedWeight +
		(100-overdueRate*2)*w.OverdueWeight
	return clamp(score, 0, 100)
}

// Risk sums weighted counters plus deadline proximity, clamped to 100.
// Factors list each non-zero contribution with its point value.
func Risk(stats repo.TaskStats, sched Schedule, cfg *config.Config) (float64, []string) {
	w := cfg.Scoring.Risk
	var score float64
	var factors []string

	if stats.Overdue > 0 {
		pts := float64(stats.Overdue) * w.OverdueWeight
		score += pts
		factors = append(factors, fmt.Sprintf("%d overdue %s (+%.0f)", stats.Overdue, plural("task", stats.Overdue), pts))
	}
	if stats.Blocked > 0 {
		pts := float64(stats.Blocked) * w.BlockedWeight
		score += pts
		factors = append(factors, fmt.Sprintf("%d blocked %s (+%.0f)", stats.Blocked, plural("task", stats.Blocked), pts))
	}
	if stats.HighLoadActors > 0 {
		pts := float64(stats.HighLoadActors) * w.HighLoadWeight
		score += pts
		factors = append(factors, fmt.Sprintf("%d overloaded %s (+%.0f)", stats.HighLoadActors, plural("assignee", stats.HighLoadActors), pts))
	}
	if factor, label := proximityFactor(sched); factor > 0 {
		pts := factor * w.ProximityWeight
		score += pts
		factors = append(factors, fmt.Sprintf("%s (+%.0f)", label, pts))
	}
	return clamp(score, 0, 100), factors
}

// proximityFactor scales with how close (or past) the target date is.
func proximityFactor(sched Schedule) (float64, string) {
	if sched.TargetDate == nil {
		return 0, ""
	}
	remaining := sched.TargetDate.Sub(sched.Now)
	switch {
	case remaining < 0:
		return 4, "target date passed"
	case remaining <= 7*24*time.Hour:
		return 3, "target date within 7 days"
	case remaining <= 14*24*time.Hour:
		return 1, "target date within 14 days"
	}
	return 0, ""
}

// Level buckets a risk score using the configured thresholds.
func Level(score float64, cfg *config.Config) string {
	b := cfg.Scoring.Buckets
	switch {
	case score >= b.Critical:
		return "critical"
	case score >= b.High:
		return "high"
	case score >= b.Medium:
		return "medium"
	}
	return "low"
}

// Recommendation maps a risk level to a short operator hint.
func Recommendation(level string) string {
	switch level {
	case "critical":
		return "immediate intervention needed: unblock tasks and revisit the target date"
	case "high":
		return "review blockers and rebalance assignee workload this week"
	case "medium":
		return "monitor closely; address overdue tasks before they accumulate"
	case "low":
		return "no action needed"
	}
	return "insufficient data; add tasks to assess risk"
}

func plural(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
