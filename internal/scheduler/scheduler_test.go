package scheduler_test

import (
	"context"
	"testing"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/escalation"
	"civicflow/internal/migrate"
	"civicflow/internal/scheduler"
	"civicflow/internal/workflow"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Machine *workflow.Machine
	Manager *escalation.Manager
	Cfg     *config.Config
	Ctx     context.Context
	clock   *time.Time
}

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
	clock := baseTime
	now := func() time.Time { return clock }
	m := workflow.New(conn)
	m.Now = now
	mgr := escalation.New(conn)
	mgr.Now = now
	return testEnv{Machine: m, Manager: mgr, Cfg: config.Default(), Ctx: context.Background(), clock: &clock}
}

func (env testEnv) slaChecker() *scheduler.SLAChecker {
	return &scheduler.SLAChecker{
		Machine:     env.Machine,
		Repo:        env.Machine.Repo,
		Escalations: env.Manager,
		Config:      env.Cfg,
		Now:         func() time.Time { return *env.clock },
	}
}

func (env testEnv) staleChecker() *scheduler.StaleChecker {
	return &scheduler.StaleChecker{
		Repo:        env.Machine.Repo,
		Escalations: env.Manager,
		Config:      env.Cfg,
		Now:         func() time.Time { return *env.clock },
	}
}

// newTrackedTask creates an assigned task with a 24h deadline from baseTime.
func newTrackedTask(t *testing.T, env testEnv) domain.Task {
	t.Helper()
	rep, err := env.Machine.SubmitReport(env.Ctx, "citizen-1", "No water", "", "high", "citizen-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.RecordClassification(env.Ctx, rep.ID, "water", 0.95, false, "system:test"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Machine.AssignToOfficer(env.Ctx, workflow.AssignOptions{
		ReportID:     rep.ID,
		DepartmentID: "dept-water",
		OfficerID:    "off-water-1",
		SLADeadline:  baseTime.Add(24 * time.Hour),
		ActorID:      "system:test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSLAStateFor(t *testing.T) {
	env := newTestEnv(t)
	c := env.slaChecker()
	deadline := baseTime.Add(24 * time.Hour)

	cases := []struct {
		at   time.Time
		want string
	}{
		{baseTime, domain.SLACompliant},
		{deadline.Add(-5 * time.Hour), domain.SLACompliant},
		{deadline.Add(-4 * time.Hour), domain.SLAWarning},
		{deadline.Add(-time.Minute), domain.SLAWarning},
		{deadline, domain.SLAViolated},
		{deadline.Add(48 * time.Hour), domain.SLAViolated},
	}
	for _, tc := range cases {
		if got := c.StateFor(deadline, tc.at); got != tc.want {
			t.Errorf("StateFor at %s = %s, want %s", tc.at, got, tc.want)
		}
	}
}

func TestSLACheckerMarksWarningThenViolation(t *testing.T) {
	env := newTestEnv(t)
	task := newTrackedTask(t, env)
	c := env.slaChecker()

	// Inside the warning window.
	*env.clock = baseTime.Add(21 * time.Hour)
	if err := c.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Machine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SLAState != domain.SLAWarning {
		t.Fatalf("state = %s, want warning", got.SLAState)
	}
	if got.ViolationCount != 0 {
		t.Fatalf("count = %d, want 0", got.ViolationCount)
	}

	// Past the deadline.
	*env.clock = baseTime.Add(25 * time.Hour)
	if err := c.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err = env.Machine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SLAState != domain.SLAViolated {
		t.Fatalf("state = %s, want violated", got.SLAState)
	}
	if got.ViolationCount != 1 {
		t.Fatalf("count = %d, want 1", got.ViolationCount)
	}

	// First violation opens a level 1 escalation.
	esc, err := env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("open escalation: %v", err)
	}
	if esc.Level != domain.EscalationLevel1 || esc.Reason != domain.ReasonSLABreach {
		t.Fatalf("escalation = %+v, want level 1 sla_breach", esc)
	}
}

func TestSLACheckerIsIdempotentAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	task := newTrackedTask(t, env)
	c := env.slaChecker()

	*env.clock = baseTime.Add(25 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := c.RunOnce(env.Ctx); err != nil {
			t.Fatal(err)
		}
	}
	got, err := env.Machine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ViolationCount != 1 {
		t.Fatalf("count = %d after repeated runs, want 1", got.ViolationCount)
	}
	esc, err := env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Level != domain.EscalationLevel1 {
		t.Fatalf("level = %d after repeated runs, want 1", esc.Level)
	}
}

func TestSLACheckerSkipsResolvedTasks(t *testing.T) {
	env := newTestEnv(t)
	task := newTrackedTask(t, env)
	for _, target := range []string{domain.TaskAcknowledged, domain.TaskInProgress, domain.TaskPendingVerification} {
		if _, err := env.Machine.Transition(env.Ctx, workflow.TransitionRequest{
			EntityKind: "task", EntityID: task.ID, TargetStatus: target, ActorID: "off-water-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Machine.Transition(env.Ctx, workflow.TransitionRequest{
		EntityKind: "task", EntityID: task.ID, TargetStatus: domain.TaskResolved,
		ActorID: "off-water-1", Metadata: map[string]string{"proof_json": `{"ok":true}`},
	}); err != nil {
		t.Fatal(err)
	}

	*env.clock = baseTime.Add(48 * time.Hour)
	if err := env.slaChecker().RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Machine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SLAState != domain.SLACompliant || got.ViolationCount != 0 {
		t.Fatalf("resolved task touched: state=%s count=%d", got.SLAState, got.ViolationCount)
	}
}

func TestStaleCheckerEscalatesIdleTasks(t *testing.T) {
	env := newTestEnv(t)
	task := newTrackedTask(t, env)
	c := env.staleChecker()

	// Fresh task: within the threshold, nothing happens.
	*env.clock = baseTime.Add(24 * time.Hour)
	if err := c.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID); err == nil {
		t.Fatal("fresh task escalated")
	}

	// Idle past the 168h threshold.
	*env.clock = baseTime.Add(200 * time.Hour)
	if err := c.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	esc, err := env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Level != domain.EscalationLevel1 || esc.Reason != domain.ReasonUnresolved {
		t.Fatalf("escalation = %+v, want level 1 unresolved", esc)
	}

	// Still idle on the next detection cycle: the chain advances one level.
	*env.clock = baseTime.Add(224 * time.Hour)
	if err := c.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	esc, err = env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Level != domain.EscalationLevel2 {
		t.Fatalf("level = %d, want 2", esc.Level)
	}
}

func TestStaleCheckerCountsTransitionsAsActivity(t *testing.T) {
	env := newTestEnv(t)
	task := newTrackedTask(t, env)

	// Activity at +190h resets the idle window.
	*env.clock = baseTime.Add(190 * time.Hour)
	if _, err := env.Machine.Transition(env.Ctx, workflow.TransitionRequest{
		EntityKind: "task", EntityID: task.ID, TargetStatus: domain.TaskAcknowledged, ActorID: "off-water-1",
	}); err != nil {
		t.Fatal(err)
	}

	*env.clock = baseTime.Add(200 * time.Hour)
	if err := env.staleChecker().RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.Repo.GetOpenEscalationByTask(env.Ctx, task.ID); err == nil {
		t.Fatal("recently active task escalated")
	}
}
