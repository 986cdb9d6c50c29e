// Package escalation manages escalation chains: one active chain per task,
// advancing strictly one authority level at a time.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/events"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

// Manager creates and advances escalation chains and resolves the authority
// for each level. Both schedulers and human operators drive it.
type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Emit   func(workflow.Emitted)
}

func New(db *sql.DB) *Manager {
	return &Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) emit(ev workflow.Emitted) {
	if m.Emit != nil {
		m.Emit(ev)
	}
}

// Escalate raises attention on a task. With no active chain it opens one at
// level 1; with an active chain it advances exactly one level, capped at
// level 3. Repeated calls at the cap update the reason and timestamp only.
func (m *Manager) Escalate(ctx context.Context, taskID, reason, actorID string) (domain.Escalation, error) {
	if reason == "" {
		return domain.Escalation{}, errs.Validation("escalation reason is required")
	}
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if !domain.OpenTask(task.Status) {
		return domain.Escalation{}, errs.Conflict("task", task.ID, task.Status, "escalated")
	}

	open, err := m.Repo.GetOpenEscalationByTask(ctx, taskID)
	created := false
	switch {
	case errors.Is(err, repo.ErrNotFound):
		created = true
	case err != nil:
		return domain.Escalation{}, err
	}

	now := m.now().UTC().Format(time.RFC3339)
	var esc domain.Escalation
	if created {
		esc = domain.Escalation{
			ID:        uuid.New().String(),
			TaskID:    taskID,
			Level:     domain.EscalationLevel1,
			Reason:    reason,
			Status:    domain.EscalationEscalated,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		esc = open
		if esc.Level < domain.EscalationLevel3 {
			esc.Level++
		}
		esc.Reason = reason
		esc.Status = domain.EscalationEscalated
		esc.UpdatedAt = now
	}

	authority, err := m.authorityFor(ctx, task, esc.Level)
	if err != nil {
		return domain.Escalation{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	// A concurrent escalation (the SLA job, the stale job, an operator) may
	// have moved the chain since the read above. Re-read under the
	// transaction and refuse to act on a stale view.
	cur, err := m.Repo.GetOpenEscalationByTaskTx(ctx, tx, taskID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if !created {
			return domain.Escalation{}, errs.Conflict("escalation", open.ID, open.Status, domain.EscalationEscalated)
		}
	case err != nil:
		return domain.Escalation{}, err
	default:
		if created || cur.ID != open.ID || cur.Level != open.Level || cur.Status != open.Status {
			return domain.Escalation{}, errs.Conflict("escalation", cur.ID, cur.Status, domain.EscalationEscalated)
		}
	}
	evtType := "escalation.advanced"
	if created {
		evtType = "escalation.created"
		if err := m.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return domain.Escalation{}, errs.Conflict("escalation", esc.ID, domain.EscalationEscalated, domain.EscalationEscalated)
			}
			return domain.Escalation{}, fmt.Errorf("insert escalation: %w", err)
		}
	} else {
		if err := m.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
			return domain.Escalation{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, evtType, "escalation", esc.ID, actorID, events.EventPayload{
		"task_id": taskID, "level": esc.Level, "reason": reason, "authority_id": authority.ID,
	}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}

	m.emit(workflow.Emitted{
		Type: evtType, EntityKind: "escalation", EntityID: esc.ID,
		ReportID: task.ReportID, TaskID: taskID, ActorID: actorID,
		Payload: map[string]any{
			"level": esc.Level, "reason": reason,
			"authority_id": authority.ID, "assignee_id": task.AssigneeID,
		},
	})
	return esc, nil
}

// authorityFor resolves who an escalation level notifies: level 1 goes to the
// head of the report's department, level 2 to the city manager, level 3 to
// the administrator. When a department has no head the administrator catches
// the escalation instead.
func (m *Manager) authorityFor(ctx context.Context, task domain.Task, level int) (domain.Officer, error) {
	switch level {
	case domain.EscalationLevel1:
		rep, err := m.Repo.GetReport(ctx, task.ReportID)
		if err != nil {
			return domain.Officer{}, err
		}
		if rep.Department != nil {
			head, err := m.Repo.DepartmentHead(ctx, *rep.Department)
			if err == nil {
				return head, nil
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return domain.Officer{}, err
			}
		}
		return m.Repo.OfficerByRole(ctx, domain.RoleAdministrator)
	case domain.EscalationLevel2:
		return m.Repo.OfficerByRole(ctx, domain.RoleCityManager)
	default:
		return m.Repo.OfficerByRole(ctx, domain.RoleAdministrator)
	}
}

// escalationStatusTransitions is the review ladder for a chain. Any open
// status may also de-escalate.
var escalationStatusTransitions = map[string][]string{
	domain.EscalationEscalated:    {domain.EscalationAcknowledged, domain.EscalationUnderReview, domain.EscalationDeEscalated},
	domain.EscalationAcknowledged: {domain.EscalationUnderReview, domain.EscalationDeEscalated},
	domain.EscalationUnderReview:  {domain.EscalationActionTaken, domain.EscalationDeEscalated},
	domain.EscalationActionTaken:  {domain.EscalationResolved, domain.EscalationDeEscalated},
}

func statusTransitionAllowed(from, to string) bool {
	for _, t := range escalationStatusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves an escalation through its review ladder. The level never
// changes here; only Escalate advances levels.
func (m *Manager) UpdateStatus(ctx context.Context, escalationID, target, actorID string) (domain.Escalation, error) {
	esc, err := m.Repo.GetEscalation(ctx, escalationID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if !statusTransitionAllowed(esc.Status, target) {
		return domain.Escalation{}, errs.Conflict("escalation", esc.ID, esc.Status, target)
	}
	from := esc.Status
	esc.Status = target
	esc.UpdatedAt = m.now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
		return domain.Escalation{}, err
	}
	evtType := "escalation." + target
	if err := m.Events.Append(ctx, tx, evtType, "escalation", esc.ID, actorID, events.EventPayload{
		"from": from, "to": target, "task_id": esc.TaskID, "level": esc.Level,
	}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}

	if target == domain.EscalationResolved || target == domain.EscalationDeEscalated {
		task, terr := m.Repo.GetTask(ctx, esc.TaskID)
		payload := map[string]any{"level": esc.Level, "task_id": esc.TaskID}
		reportID := ""
		if terr == nil {
			payload["assignee_id"] = task.AssigneeID
			reportID = task.ReportID
			if authority, aerr := m.authorityFor(ctx, task, esc.Level); aerr == nil {
				payload["authority_id"] = authority.ID
			}
		}
		m.emit(workflow.Emitted{
			Type: evtType, EntityKind: "escalation", EntityID: esc.ID,
			ReportID: reportID, TaskID: esc.TaskID, ActorID: actorID,
			Payload: payload,
		})
	}
	return esc, nil
}
