package escalation_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/escalation"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/workflow"
)

type testEnv struct {
	DB      *sql.DB
	Machine *workflow.Machine
	Manager *escalation.Manager
	Ctx     context.Context
	Emitted *[]workflow.Emitted
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
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	m := workflow.New(conn)
	m.Now = now
	mgr := escalation.New(conn)
	mgr.Now = now
	var emitted []workflow.Emitted
	mgr.Emit = func(ev workflow.Emitted) { emitted = append(emitted, ev) }
	return testEnv{DB: conn, Machine: m, Manager: mgr, Ctx: context.Background(), Emitted: &emitted}
}

func newAssignedTask(t *testing.T, env testEnv) domain.Task {
	t.Helper()
	rep, err := env.Machine.SubmitReport(env.Ctx, "citizen-1", "Burst pipe", "", "high", "citizen-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Machine.RecordClassification(env.Ctx, rep.ID, "water", 0.95, false, "system:test"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	task, err := env.Machine.AssignToOfficer(env.Ctx, workflow.AssignOptions{
		ReportID:     rep.ID,
		DepartmentID: "dept-water",
		OfficerID:    "off-water-1",
		SLADeadline:  env.Machine.Now().Add(24 * time.Hour),
		ActorID:      "system:test",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return task
}

func TestEscalateOpensChainAtLevelOne(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)

	esc, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if esc.Level != domain.EscalationLevel1 {
		t.Fatalf("level = %d, want 1", esc.Level)
	}
	if esc.Status != domain.EscalationEscalated {
		t.Fatalf("status = %s, want escalated", esc.Status)
	}

	if len(*env.Emitted) != 1 || (*env.Emitted)[0].Type != "escalation.created" {
		t.Fatalf("emitted %v, want one escalation.created", *env.Emitted)
	}
	// Level 1 goes to the department head.
	if got := (*env.Emitted)[0].Payload["authority_id"]; got != "head-water" {
		t.Fatalf("authority = %v, want head-water", got)
	}
}

func TestEscalateAdvancesOneLevelAndCaps(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)

	first, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla")
	if err != nil {
		t.Fatal(err)
	}

	second, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonUnresolved, "system:stale")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("advance created a new chain %s, want %s", second.ID, first.ID)
	}
	if second.Level != domain.EscalationLevel2 {
		t.Fatalf("level = %d, want 2", second.Level)
	}
	if got := (*env.Emitted)[1].Payload["authority_id"]; got != "city-manager" {
		t.Fatalf("level 2 authority = %v, want city-manager", got)
	}

	third, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonUnresolved, "system:stale")
	if err != nil {
		t.Fatal(err)
	}
	if third.Level != domain.EscalationLevel3 {
		t.Fatalf("level = %d, want 3", third.Level)
	}
	if got := (*env.Emitted)[2].Payload["authority_id"]; got != "admin" {
		t.Fatalf("level 3 authority = %v, want admin", got)
	}

	// The ladder tops out at 3.
	capped, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonCitizenComplaint, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if capped.Level != domain.EscalationLevel3 {
		t.Fatalf("level = %d, want 3 after cap", capped.Level)
	}
	if capped.Reason != domain.ReasonCitizenComplaint {
		t.Fatalf("reason = %s, want latest reason recorded", capped.Reason)
	}
}

func TestEscalateRefusesClosedTask(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)

	if _, err := env.Machine.Transition(env.Ctx, workflow.TransitionRequest{
		EntityKind: "task", EntityID: task.ID, TargetStatus: domain.TaskRejected,
		ActorID: "off-water-1", Metadata: map[string]string{"reason": "duplicate"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla"); !errs.IsConflict(err) {
		t.Fatalf("got %v, want conflict", err)
	}
}

func TestEscalationReviewLadder(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)
	esc, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla")
	if err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{
		domain.EscalationAcknowledged,
		domain.EscalationUnderReview,
		domain.EscalationActionTaken,
		domain.EscalationResolved,
	} {
		esc, err = env.Manager.UpdateStatus(env.Ctx, esc.ID, target, "head-water")
		if err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	if esc.Status != domain.EscalationResolved {
		t.Fatalf("status = %s, want resolved", esc.Status)
	}

	// Resolved chains are closed: no further status moves.
	if _, err := env.Manager.UpdateStatus(env.Ctx, esc.ID, domain.EscalationUnderReview, "head-water"); !errs.IsConflict(err) {
		t.Fatalf("got %v, want conflict", err)
	}

	// A closed chain means a fresh escalation starts over at level 1.
	again, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonQualityIssue, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID == esc.ID || again.Level != domain.EscalationLevel1 {
		t.Fatalf("new chain = %+v, want fresh level 1", again)
	}
}

func TestSecondOpenChainRejectedBySchema(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)
	esc, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla")
	if err != nil {
		t.Fatal(err)
	}

	// A second open chain for the same task must not be insertable, even by
	// a writer that bypasses the manager.
	_, err = env.DB.ExecContext(env.Ctx,
		`INSERT INTO escalations(id,task_id,level,reason,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		"e-dup", task.ID, 1, domain.ReasonUnresolved, domain.EscalationEscalated,
		"2026-03-01T12:00:00Z", "2026-03-01T12:00:00Z")
	if err == nil {
		t.Fatal("parallel open chain inserted")
	}

	// Closing the chain frees the slot for a fresh one.
	if _, err := env.Manager.UpdateStatus(env.Ctx, esc.ID, domain.EscalationDeEscalated, "head-water"); err != nil {
		t.Fatal(err)
	}
	again, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonCitizenComplaint, "admin")
	if err != nil {
		t.Fatalf("escalate after close: %v", err)
	}
	if again.Level != domain.EscalationLevel1 {
		t.Fatalf("level = %d, want fresh level 1", again.Level)
	}
}

func TestResolvedChainNotifiesAuthority(t *testing.T) {
	env := newTestEnv(t)
	d := notify.New(env.Machine.Repo)
	d.Now = env.Machine.Now
	env.Manager.Emit = d.Dispatch

	task := newAssignedTask(t, env)
	esc, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonSLABreach, "system:sla")
	if err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{
		domain.EscalationAcknowledged,
		domain.EscalationUnderReview,
		domain.EscalationActionTaken,
		domain.EscalationResolved,
	} {
		if esc, err = env.Manager.UpdateStatus(env.Ctx, esc.ID, target, "head-water"); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}

	// The level 1 authority gets a persisted escalation.resolved row.
	items, err := env.Machine.Repo.ListNotifications(env.Ctx, "head-water", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	var resolved *domain.Notification
	for i := range items {
		if items[i].Type == "escalation.resolved" {
			resolved = &items[i]
		}
	}
	if resolved == nil {
		t.Fatalf("notifications = %+v, want an escalation.resolved for head-water", items)
	}
	if resolved.Priority != "normal" {
		t.Fatalf("priority = %s, want normal", resolved.Priority)
	}
}

func TestDeEscalateClosesChain(t *testing.T) {
	env := newTestEnv(t)
	task := newAssignedTask(t, env)
	esc, err := env.Manager.Escalate(env.Ctx, task.ID, domain.ReasonVIPAttention, "admin")
	if err != nil {
		t.Fatal(err)
	}
	esc, err = env.Manager.UpdateStatus(env.Ctx, esc.ID, domain.EscalationDeEscalated, "head-water")
	if err != nil {
		t.Fatal(err)
	}
	if esc.Open() {
		t.Fatal("de-escalated chain still open")
	}
}
