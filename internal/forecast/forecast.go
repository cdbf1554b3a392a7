// Package forecast projects completion dates from completion velocity and
// snapshot history.
package forecast

import (
	"fmt"
	"math"
	"time"

	"vigil/internal/domain"
)

type Input struct {
	ProjectID         string
	CompletedInWindow int
	WindowDays        int
	RemainingTasks    int
	Snapshots         []domain.ProjectSnapshot
	RiskLevel         string
	Now               time.Time
}

// Velocity returns completed tasks per week over the trailing window.
func Velocity(completedInWindow, windowDays int) float64 {
	if windowDays <= 0 {
		return 0
	}
	weeks := float64(windowDays) / 7
	return float64(completedInWindow) / weeks
}

// Trend compares recent snapshot throughput against the older half of the
// window. Fewer than four snapshots is not enough signal.
func Trend(snapshots []domain.ProjectSnapshot) string {
	if len(snapshots) < 4 {
		return "unknown"
	}
	mid := len(snapshots) / 2
	older := averageCompleted(snapshots[:mid])
	recent := averageCompleted(snapshots[mid:])
	if older == 0 {
		if recent > 0 {
			return "improving"
		}
		return "stable"
	}
	switch {
	case recent > older*1.2:
		return "improving"
	case recent < older*0.8:
		return "declining"
	}
	return "stable"
}

func averageCompleted(snapshots []domain.ProjectSnapshot) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snapshots {
		sum += float64(s.CompletedThisPeriod)
	}
	return sum / float64(len(snapshots))
}

// Confidence starts from whether a completion date could be projected at
// all, lifts for a stable trend, and decays with assessed risk. A forecast
// with no projection carries the floor value.
func Confidence(projected bool, trend, riskLevel string) float64 {
	base := 0.3
	if projected {
		base = 0.5
		if trend == "stable" {
			base = 0.7
		}
	}
	switch riskLevel {
	case "critical":
		base *= 0.6
	case "high":
		base *= 0.8
	}
	return math.Min(math.Max(base, 0), 1)
}

// Compute assembles a forecast. With zero velocity there is no projection;
// the notes say why.
func Compute(in Input) domain.Forecast {
	f := domain.Forecast{
		ProjectID:      in.ProjectID,
		GeneratedAt:    in.Now.UTC().Format(time.RFC3339),
		RemainingTasks: in.RemainingTasks,
		Trend:          Trend(in.Snapshots),
	}
	f.VelocityPerWeek = Velocity(in.CompletedInWindow, in.WindowDays)

	switch {
	case in.RemainingTasks == 0:
		f.Notes = append(f.Notes, "all tasks complete")
		done := in.Now.UTC().Format(time.RFC3339)
		f.ProjectedCompletion = &done
	case f.VelocityPerWeek <= 0:
		f.Notes = append(f.Notes, fmt.Sprintf("no tasks completed in the last %d days; cannot project completion", in.WindowDays))
	default:
		weeks := float64(in.RemainingTasks) / f.VelocityPerWeek
		projected := in.Now.Add(time.Duration(weeks * float64(7*24*time.Hour))).UTC().Format(time.RFC3339)
		f.ProjectedCompletion = &projected
	}
	f.Confidence = Confidence(f.ProjectedCompletion != nil, f.Trend, in.RiskLevel)
	if f.Trend == "unknown" {
		f.Notes = append(f.Notes, "not enough snapshot history to judge trend")
	}
	return f
}
