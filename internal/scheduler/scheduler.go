// Package scheduler runs the engine's periodic jobs on cron schedules:
// snapshot capture, rule evaluation, approval expiry sweeps, and
// operation-lock reclamation.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vigil/internal/engine"
)

const actorID = "scheduler"

// Scheduler wraps a cron runner around the engine's maintenance jobs.
// A job that is still running when its next tick arrives is skipped.
type Scheduler struct {
	Engine engine.Engine

	cron    *cron.Cron
	mu      sync.Mutex
	running map[string]bool
}

func New(eng engine.Engine) *Scheduler {
	return &Scheduler{
		Engine:  eng,
		cron:    cron.New(),
		running: make(map[string]bool),
	}
}

// Start registers the configured jobs and begins the cron loop.
// Invalid cron expressions are rejected before anything runs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"snapshot", s.Engine.Config.Schedules.Snapshot, s.runSnapshots},
		{"rule_eval", s.Engine.Config.Schedules.RuleEval, s.runRules},
		{"approval_scan", s.Engine.Config.Schedules.ApprovalScan, s.runApprovalScan},
		{"lock_reclaim", s.Engine.Config.Schedules.LockReclaim, s.runLockReclaim},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.guard(j.name, j.run)); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// guard wraps a job so only one instance runs at a time and failures
// are logged rather than fatal.
func (s *Scheduler) guard(name string, run func(ctx context.Context) error) func() {
	return func() {
		s.mu.Lock()
		if s.running[name] {
			s.mu.Unlock()
			log.Printf("scheduler: %s still running, skipping tick", name)
			return
		}
		s.running[name] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := run(ctx); err != nil {
			log.Printf("scheduler: %s failed: %v", name, err)
		}
	}
}

func (s *Scheduler) runSnapshots(ctx context.Context) error {
	snaps, err := s.Engine.CaptureAllSnapshots(ctx, actorID)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if _, err := s.Engine.AssessRisk(ctx, snap.ProjectID, actorID); err != nil {
			return err
		}
		if _, err := s.Engine.ScanMonitors(ctx, snap.ProjectID, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runRules(ctx context.Context) error {
	emitted, err := s.Engine.EvaluateAllRules(ctx, actorID)
	if err != nil {
		return err
	}
	if emitted > 0 {
		log.Printf("scheduler: rule evaluation emitted %d firings", emitted)
	}
	return nil
}

func (s *Scheduler) runApprovalScan(ctx context.Context) error {
	_, err := s.Engine.ExpireApprovals(ctx, actorID)
	return err
}

func (s *Scheduler) runLockReclaim(ctx context.Context) error {
	n, err := s.Engine.Repo.ReclaimExpiredLocks(ctx, s.Engine.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("scheduler: reclaimed %d expired operation locks", n)
	}
	return nil
}
