package notify_test

import (
	"context"
	"testing"
	"time"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

func newTestDispatcher(t *testing.T) (*notify.Dispatcher, repo.Repo) {
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
	r := repo.Repo{DB: conn}
	d := notify.New(r)
	d.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d, r
}

func unread(t *testing.T, r repo.Repo, recipient string) []domain.Notification {
	t.Helper()
	items, err := r.ListNotifications(context.Background(), recipient, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestDispatchTaskAssignedNotifiesBothSides(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "task.assigned", EntityKind: "task", EntityID: "t1",
		ReportID: "r1", TaskID: "t1", ActorID: "system:classification-worker",
		Payload: map[string]any{"assignee_id": "off-roads-1", "reporter_id": "citizen-1"},
	})

	officer := unread(t, r, "off-roads-1")
	if len(officer) != 1 || officer[0].Priority != "high" {
		t.Fatalf("officer notifications = %+v, want one high", officer)
	}
	citizen := unread(t, r, "citizen-1")
	if len(citizen) != 1 || citizen[0].Priority != "normal" {
		t.Fatalf("citizen notifications = %+v, want one normal", citizen)
	}
}

func TestDispatchRejectionGoesToAdministrator(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "task.rejected", EntityKind: "task", EntityID: "t1",
		Payload: map[string]any{"assignee_id": "off-roads-1", "reason": "wrong department"},
	})
	// Seeded administrator id.
	items := unread(t, r, "admin")
	if len(items) != 1 || items[0].Type != "task.rejected" {
		t.Fatalf("admin notifications = %+v, want one task.rejected", items)
	}
}

func TestDispatchSLAViolationIsCritical(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "task.sla.violated", EntityKind: "task", EntityID: "t1",
		Payload: map[string]any{"assignee_id": "off-water-1"},
	})
	items := unread(t, r, "off-water-1")
	if len(items) != 1 || items[0].Priority != "critical" {
		t.Fatalf("notifications = %+v, want one critical", items)
	}
}

func TestDispatchEscalationTargetsAuthority(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "escalation.advanced", EntityKind: "escalation", EntityID: "e1",
		Payload: map[string]any{"authority_id": "city-manager", "level": 2},
	})
	items := unread(t, r, "city-manager")
	if len(items) != 1 || items[0].Priority != "high" {
		t.Fatalf("notifications = %+v, want one high", items)
	}

	d.Dispatch(workflow.Emitted{
		Type: "escalation.advanced", EntityKind: "escalation", EntityID: "e1",
		Payload: map[string]any{"authority_id": "admin", "level": 3},
	})
	items = unread(t, r, "admin")
	if len(items) != 1 || items[0].Priority != "critical" {
		t.Fatalf("level 3 notifications = %+v, want one critical", items)
	}
}

func TestDispatchClassifiedOnlyOnReview(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "report.classified", EntityKind: "report", EntityID: "r1",
		Payload: map[string]any{"needs_review": false, "category": "roads"},
	})
	if items := unread(t, r, "admin"); len(items) != 0 {
		t.Fatalf("clean classification notified admin: %+v", items)
	}

	d.Dispatch(workflow.Emitted{
		Type: "report.classified", EntityKind: "report", EntityID: "r2",
		Payload: map[string]any{"needs_review": true, "category": "roads"},
	})
	if items := unread(t, r, "admin"); len(items) != 1 {
		t.Fatalf("review classification: %+v, want one", items)
	}
}

func TestDispatchUnknownTypeIsSilent(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{Type: "something.else", Payload: map[string]any{"reporter_id": "citizen-1"}})
	if items := unread(t, r, "citizen-1"); len(items) != 0 {
		t.Fatalf("unexpected notifications: %+v", items)
	}
}

func TestMarkReadLifecycle(t *testing.T) {
	d, r := newTestDispatcher(t)
	d.Dispatch(workflow.Emitted{
		Type: "task.resolved", EntityKind: "task", EntityID: "t1",
		Payload: map[string]any{"reporter_id": "citizen-1", "assignee_id": "off-roads-1"},
	})
	ctx := context.Background()
	items := unread(t, r, "citizen-1")
	if len(items) != 1 {
		t.Fatalf("notifications = %+v, want one", items)
	}
	n, err := r.CountUnreadNotifications(ctx, "citizen-1")
	if err != nil || n != 1 {
		t.Fatalf("count = %d err=%v, want 1", n, err)
	}

	// Only the recipient may mark it read.
	if err := r.MarkNotificationRead(ctx, items[0].ID, "someone-else"); err == nil {
		t.Fatal("foreign mark-read succeeded")
	}
	if err := r.MarkNotificationRead(ctx, items[0].ID, "citizen-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err = r.CountUnreadNotifications(ctx, "citizen-1")
	if err != nil || n != 0 {
		t.Fatalf("count after read = %d err=%v, want 0", n, err)
	}
}
