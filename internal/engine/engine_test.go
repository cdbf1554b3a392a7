package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/engine"
	"vigil/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func strPtr(s string) *string { return &s }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clock.Now
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, "proj-1", "Platform revamp", "", nil, nil, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clock}
}

func (env testEnv) mustEscalate(t *testing.T, opts engine.EscalationCreateOptions) string {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.Reason == "" {
		opts.Reason = "something needs a human"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	esc, err := env.Engine.CreateEscalation(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create escalation: %v", err)
	}
	return esc.ID
}

func TestEscalationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual", Severity: "high"})

	esc, err := env.Engine.AcknowledgeEscalation(env.Ctx, id, "manager")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if esc.Status != "acknowledged" || esc.AcknowledgedBy == nil || *esc.AcknowledgedBy != "manager" {
		t.Fatalf("unexpected state after ack: %+v", esc)
	}

	notes := "rebalanced the sprint"
	esc, err = env.Engine.ResolveEscalation(env.Ctx, id, "manager", &notes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.Status != "resolved" || esc.ResolutionNotes == nil || *esc.ResolutionNotes != notes {
		t.Fatalf("unexpected state after resolve: %+v", esc)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})

	first, err := env.Engine.AcknowledgeEscalation(env.Ctx, id, "manager")
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	second, err := env.Engine.AcknowledgeEscalation(env.Ctx, id, "someone-else")
	if err != nil {
		t.Fatalf("second ack must not error: %v", err)
	}
	if second.Status != "acknowledged" {
		t.Fatalf("expected acknowledged, got %s", second.Status)
	}
	if *second.AcknowledgedBy != *first.AcknowledgedBy {
		t.Fatalf("second ack must not steal attribution: %s", *second.AcknowledgedBy)
	}

	// acknowledging a resolved escalation is also a no-op
	if _, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", strPtr("handled offline")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	esc, err := env.Engine.AcknowledgeEscalation(env.Ctx, id, "late-comer")
	if err != nil {
		t.Fatalf("ack after resolve: %v", err)
	}
	if esc.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", esc.Status)
	}
}

func TestResolveTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})
	if _, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", strPtr("fixed")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", strPtr("fixed again"))
	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestResolveDirectlyFromOpen(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})
	esc, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", strPtr("triaged in standup"))
	if err != nil {
		t.Fatalf("resolve from open: %v", err)
	}
	if esc.Status != "resolved" || esc.AcknowledgedAt != nil {
		t.Fatalf("unexpected state: %+v", esc)
	}
}

func TestResolveRequiresNotes(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})
	for name, notes := range map[string]*string{"nil": nil, "blank": strPtr("  ")} {
		_, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", notes)
		var vErr *engine.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("%s notes: expected ValidationError, got %v", name, err)
		}
		if vErr.Field != "resolution_notes" {
			t.Fatalf("%s notes: unexpected field %q", name, vErr.Field)
		}
	}
	esc, err := env.Engine.Repo.GetEscalation(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Status != "open" {
		t.Fatalf("rejected resolve must not mutate, got %s", esc.Status)
	}
}

func TestEscalationDeduplicatedPerSubject(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "stuck", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	first := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "blocked", TaskID: task.ID})
	second := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "blocked", TaskID: task.ID})
	if first != second {
		t.Fatalf("expected dedup to return the existing escalation")
	}
}

func TestApprovalTTLPerSensitivity(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]time.Duration{
		"critical": 4 * time.Hour,
		"high":     24 * time.Hour,
		"medium":   48 * time.Hour,
		"low":      72 * time.Hour,
	}
	for sensitivity, ttl := range cases {
		req, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{
			Title:       "deploy " + sensitivity,
			Sensitivity: sensitivity,
			RequestedBy: "agent",
		})
		if err != nil {
			t.Fatalf("request %s: %v", sensitivity, err)
		}
		want := env.Clock.Now().Add(ttl).UTC().Format(time.RFC3339)
		if req.ExpiresAt != want {
			t.Fatalf("%s: expires %s, want %s", sensitivity, req.ExpiresAt, want)
		}
	}
}

func TestApprovalProcess(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{
		Title: "rotate credentials", Sensitivity: "high", RequestedBy: "agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: true, ActorID: "manager", Notes: strPtr("rotation window open")})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Request.Status != "approved" || res.Request.DecidedBy == nil {
		t.Fatalf("unexpected result: %+v", res.Request)
	}

	// second decision conflicts
	_, err = env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: false, ActorID: "manager", Notes: strPtr("changed my mind")})
	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestApprovalDecisionRequiresNotes(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{
		Title: "scale down the cluster", Sensitivity: "medium", RequestedBy: "agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	for name, notes := range map[string]*string{"nil": nil, "blank": strPtr("\t")} {
		_, err := env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: true, ActorID: "manager", Notes: notes})
		var vErr *engine.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("%s notes: expected ValidationError, got %v", name, err)
		}
		if vErr.Field != "notes" {
			t.Fatalf("%s notes: unexpected field %q", name, vErr.Field)
		}
	}
	got, err := env.Engine.Repo.GetApproval(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "pending" {
		t.Fatalf("rejected decision must not mutate, got %s", got.Status)
	}
}

func TestApprovalIrreversibleNeedsConfirm(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{
		Title: "delete production data", Sensitivity: "critical", Irreversible: true, RequestedBy: "agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: true, ActorID: "manager", Notes: strPtr("ship it")})
	var vErr *engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError without confirm, got %v", err)
	}
	if vErr.Field != "confirm" {
		t.Fatalf("expected the confirm check to fire, got field %q", vErr.Field)
	}

	// rejection needs no confirm
	res, err := env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: false, ActorID: "manager", Notes: strPtr("too risky")})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Request.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", res.Request.Status)
	}
}

func TestApprovalProcessAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{
		Title: "page the on-call", Sensitivity: "critical", RequestedBy: "agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(5 * time.Hour)
	_, err = env.Engine.ProcessApproval(env.Ctx, nil, engine.ApprovalDecision{ID: req.ID, Approve: true, ActorID: "manager", Notes: strPtr("better late")})
	var expired *engine.ExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}

	// the row is untouched until the sweep runs
	got, err := env.Engine.Repo.GetApproval(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "pending" {
		t.Fatalf("process must not mutate, got %s", got.Status)
	}

	swept, err := env.Engine.ExpireApprovals(env.Ctx, "scheduler")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != req.ID {
		t.Fatalf("expected one swept request, got %d", len(swept))
	}
	got, _ = env.Engine.Repo.GetApproval(env.Ctx, req.ID)
	if got.Status != "expired" {
		t.Fatalf("expected expired, got %s", got.Status)
	}

	var auditCount int
	env.Engine.DB.QueryRow(`SELECT count(*) FROM audit_log WHERE operation='approval.expire'`).Scan(&auditCount)
	if auditCount != 1 {
		t.Fatalf("expected one expiry audit entry, got %d", auditCount)
	}
}

func TestRuleCooldownSuppressesSecondFiring(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:          "too many blocked",
		Metric:        "blocked_count",
		Operator:      ">",
		Value:         1,
		Severity:      "high",
		CooldownHours: 24,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: "proj-1", Title: "blocked", Status: "blocked", ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	emitted, err := env.Engine.EvaluateRules(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one firing, got %d", len(emitted))
	}

	// condition still true two hours later: cooldown suppresses it
	env.Clock.Advance(2 * time.Hour)
	emitted, err = env.Engine.EvaluateRules(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected cooldown to suppress, got %d firings", len(emitted))
	}

	var escCount int
	env.Engine.DB.QueryRow(`SELECT count(*) FROM escalations WHERE type='rule'`).Scan(&escCount)
	if escCount != 1 {
		t.Fatalf("expected exactly one escalation, got %d", escCount)
	}

	// past the cooldown it may fire again
	env.Clock.Advance(23 * time.Hour)
	emitted, err = env.Engine.EvaluateRules(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected firing after cooldown, got %d", len(emitted))
	}
}

func TestRuleSuggestAction(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:     "low completion",
		Metric:   "completion_rate",
		Operator: "<",
		Value:    50,
		Severity: "low",
		Action:   "suggest",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "t", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	emitted, err := env.Engine.EvaluateRules(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one firing, got %d", len(emitted))
	}
	var sugCount, escCount int
	env.Engine.DB.QueryRow(`SELECT count(*) FROM suggestions`).Scan(&sugCount)
	env.Engine.DB.QueryRow(`SELECT count(*) FROM escalations`).Scan(&escCount)
	if sugCount != 1 || escCount != 0 {
		t.Fatalf("expected a suggestion and no escalation, got %d/%d", sugCount, escCount)
	}
}

func TestSnapshotAndAssessment(t *testing.T) {
	env := newTestEnv(t)
	due := env.Clock.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "late", DueDate: due, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: "proj-1", Title: "jammed", Status: "blocked", ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := env.Engine.CaptureSnapshot(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalTasks != 4 || snap.BlockedTasks != 3 || snap.OverdueTasks != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}

	assessment, err := env.Engine.AssessRisk(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	// 1 overdue (*5) + 3 blocked (*3) = 14
	if assessment.RiskScore != 14 {
		t.Fatalf("risk score %v, want 14", assessment.RiskScore)
	}
	if assessment.RiskLevel != "low" {
		t.Fatalf("risk level %s, want low", assessment.RiskLevel)
	}
	if len(assessment.Factors) != 2 {
		t.Fatalf("expected two factors, got %v", assessment.Factors)
	}

	latest, err := env.Engine.Repo.LatestAssessment(env.Ctx, "proj-1")
	if err != nil || latest.ID != assessment.ID {
		t.Fatalf("latest assessment mismatch: %v", err)
	}
}

func TestScanMonitorsOpensEscalations(t *testing.T) {
	env := newTestEnv(t)
	due := env.Clock.Now().Add(-48 * time.Hour).Format(time.RFC3339)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "overdue one", DueDate: due, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "stuck one", Status: "blocked", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	// blocked long enough only after time advances past the threshold
	env.Clock.Advance(25 * time.Hour)
	created, err := env.Engine.ScanMonitors(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	byType := map[string]int{}
	for _, esc := range created {
		byType[esc.Type]++
	}
	if byType["overdue"] != 1 || byType["blocked"] != 1 {
		t.Fatalf("unexpected escalations: %v", byType)
	}

	// a second scan reuses the open escalations
	again, err := env.Engine.ScanMonitors(env.Ctx, "proj-1", "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	var total int
	env.Engine.DB.QueryRow(`SELECT count(*) FROM escalations`).Scan(&total)
	if total != len(again) {
		t.Fatalf("expected scan to reuse escalations: %d rows for %d results", total, len(again))
	}
}

func TestDashboardAggregates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "a", Status: "done", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "b", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})
	if _, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalCreateOptions{Title: "x", RequestedBy: "agent"}); err != nil {
		t.Fatal(err)
	}

	dash, err := env.Engine.Dashboard(env.Ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.TotalProjects != 1 || dash.OpenEscalations != 1 || dash.PendingApprovals != 1 {
		t.Fatalf("unexpected dashboard: %+v", dash)
	}
	if len(dash.Projects) != 1 || dash.Projects[0].TotalTasks != 2 {
		t.Fatalf("unexpected project rows: %+v", dash.Projects)
	}
}

func TestForecastWithNoVelocity(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "open", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	f, err := env.Engine.ForecastProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if f.ProjectedCompletion != nil {
		t.Fatalf("expected no projection without velocity")
	}
	if f.RemainingTasks != 1 {
		t.Fatalf("remaining %d, want 1", f.RemainingTasks)
	}
	if f.Confidence > 0.3 {
		t.Fatalf("unprojectable forecast must carry floor confidence, got %v", f.Confidence)
	}
}

func TestAuditTrailWrittenWithStateChanges(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustEscalate(t, engine.EscalationCreateOptions{Type: "manual"})
	if _, err := env.Engine.AcknowledgeEscalation(env.Ctx, id, "manager"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveEscalation(env.Ctx, id, "manager", strPtr("cleared")); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.Query(`SELECT operation FROM audit_log WHERE entity_id=? ORDER BY id`, id)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var ops []string
	for rows.Next() {
		var op string
		rows.Scan(&op)
		ops = append(ops, op)
	}
	want := []string{"escalation.create", "escalation.acknowledge", "escalation.resolve"}
	if len(ops) != len(want) {
		t.Fatalf("audit ops %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("audit ops %v, want %v", ops, want)
		}
	}
}
