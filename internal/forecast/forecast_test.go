package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/domain"
)

func snapshotsWithThroughput(completed ...int) []domain.ProjectSnapshot {
	res := make([]domain.ProjectSnapshot, len(completed))
	for i, c := range completed {
		res[i] = domain.ProjectSnapshot{CompletedThisPeriod: c}
	}
	return res
}

func TestVelocity(t *testing.T) {
	assert.InDelta(t, 2.1, Velocity(9, 30), 0.01)
	assert.Equal(t, 0.0, Velocity(0, 30))
	assert.Equal(t, 0.0, Velocity(5, 0))
}

func TestTrend(t *testing.T) {
	assert.Equal(t, "unknown", Trend(nil))
	assert.Equal(t, "unknown", Trend(snapshotsWithThroughput(1, 2, 3)))
	assert.Equal(t, "improving", Trend(snapshotsWithThroughput(1, 1, 2, 2)))
	assert.Equal(t, "declining", Trend(snapshotsWithThroughput(4, 4, 2, 2)))
	assert.Equal(t, "stable", Trend(snapshotsWithThroughput(3, 3, 3, 3)))
	assert.Equal(t, "improving", Trend(snapshotsWithThroughput(0, 0, 1, 2)))
	assert.Equal(t, "stable", Trend(snapshotsWithThroughput(0, 0, 0, 0)))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.7, Confidence(true, "stable", "low"))
	assert.Equal(t, 0.5, Confidence(true, "declining", "low"))
	assert.InDelta(t, 0.42, Confidence(true, "stable", "critical"), 0.001)
	assert.InDelta(t, 0.56, Confidence(true, "stable", "high"), 0.001)
	assert.InDelta(t, 0.4, Confidence(true, "improving", "high"), 0.001)

	// no projection is the weakest forecast, whatever the trend says
	assert.InDelta(t, 0.3, Confidence(false, "stable", "low"), 0.001)
	assert.InDelta(t, 0.18, Confidence(false, "stable", "critical"), 0.001)
	assert.InDelta(t, 0.24, Confidence(false, "unknown", "high"), 0.001)
}

func TestZeroVelocityConfidenceIsLowest(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snaps := snapshotsWithThroughput(3, 3, 3, 3)
	stalled := Compute(Input{ProjectID: "p1", RemainingTasks: 5, WindowDays: 30, Snapshots: snaps, Now: now})
	moving := Compute(Input{ProjectID: "p1", CompletedInWindow: 6, RemainingTasks: 5, WindowDays: 30, Snapshots: snaps, Now: now})
	assert.Nil(t, stalled.ProjectedCompletion)
	require.NotNil(t, moving.ProjectedCompletion)
	assert.Less(t, stalled.Confidence, moving.Confidence)
	assert.InDelta(t, 0.3, stalled.Confidence, 0.001)
}

func TestComputeProjectsCompletion(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := Compute(Input{
		ProjectID:         "p1",
		CompletedInWindow: 14,
		WindowDays:        30,
		RemainingTasks:    10,
		Now:               now,
	})
	// 14 tasks / (30/7) weeks ~= 3.27 per week; 10 remaining ~= 3.06 weeks.
	assert.InDelta(t, 3.27, f.VelocityPerWeek, 0.01)
	require.NotNil(t, f.ProjectedCompletion)
	projected, err := time.Parse(time.RFC3339, *f.ProjectedCompletion)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(21*24*time.Hour), projected, 48*time.Hour)
}

func TestComputeZeroVelocity(t *testing.T) {
	f := Compute(Input{ProjectID: "p1", RemainingTasks: 5, WindowDays: 30, Now: time.Now()})
	assert.Nil(t, f.ProjectedCompletion)
	assert.NotEmpty(t, f.Notes)
}

func TestComputeNothingRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := Compute(Input{ProjectID: "p1", CompletedInWindow: 3, WindowDays: 30, Now: now})
	require.NotNil(t, f.ProjectedCompletion)
	assert.Equal(t, now.Format(time.RFC3339), *f.ProjectedCompletion)
}
