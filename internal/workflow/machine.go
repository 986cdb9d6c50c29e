package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/events"
	"civicflow/internal/repo"
)

// Emitted is a committed lifecycle event handed to the post-commit hook.
// The notification dispatcher consumes these; a slow or failing consumer
// never rolls back the transition that produced the event.
type Emitted struct {
	Type       string
	EntityKind string
	EntityID   string
	ReportID   string
	TaskID     string
	ActorID    string
	Payload    map[string]any
}

// Machine is the sole authority over Report and Task lifecycle status.
// Every status mutation in the system goes through it and runs inside a
// single store transaction together with its derived side effects.
type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Emit   func(Emitted)
}

func New(db *sql.DB) *Machine {
	return &Machine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) emit(ev Emitted) {
	if m.Emit != nil {
		m.Emit(ev)
	}
}

// Result describes a successful transition.
type Result struct {
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Report     *domain.Report `json:"report,omitempty"`
	Task       *domain.Task   `json:"task,omitempty"`
}

// TransitionRequest is the generic transition surface consumed by the API
// layer and the background components.
type TransitionRequest struct {
	EntityKind   string // "report" or "task"
	EntityID     string
	TargetStatus string
	ActorID      string
	Metadata     map[string]string
}

// SubmitReport creates a report in received and immediately moves it to
// pending_classification. Returns the stored report; the caller enqueues it.
func (m *Machine) SubmitReport(ctx context.Context, reporterID, title, description, severity, actorID string) (domain.Report, error) {
	if title == "" {
		return domain.Report{}, errs.Validation("title is required")
	}
	if reporterID == "" {
		return domain.Report{}, errs.Validation("reporter is required")
	}
	if severity == "" {
		severity = "medium"
	}
	now := m.now().UTC().Format(time.RFC3339)
	rep := domain.Report{
		ID:          uuid.New().String(),
		ReporterID:  reporterID,
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      domain.ReportPendingClassification,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	if err := insertReportTx(ctx, tx, rep); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := m.Events.Append(ctx, tx, "report.submitted", "report", rep.ID, actorID, events.EventPayload{
		"status": rep.Status, "title": rep.Title,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	m.emit(Emitted{
		Type: "report.submitted", EntityKind: "report", EntityID: rep.ID,
		ReportID: rep.ID, ActorID: actorID,
		Payload: map[string]any{"reporter_id": rep.ReporterID, "title": rep.Title},
	})
	return rep, nil
}

func insertReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,reporter_id,title,description,severity,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		rep.ID, rep.ReporterID, rep.Title, rep.Description, rep.Severity, rep.Status, rep.CreatedAt, rep.UpdatedAt)
	return err
}

// RecordClassification stores the classifier verdict and moves the report to
// classified. Reports not in pending_classification are left untouched; the
// worker uses that as its duplicate-delivery guard.
func (m *Machine) RecordClassification(ctx context.Context, reportID, category string, confidence float64, needsReview bool, actorID string) (domain.Report, error) {
	if category == "" {
		return domain.Report{}, errs.Validation("category is required")
	}
	if confidence < 0 || confidence > 1 {
		return domain.Report{}, errs.Validation("confidence %v outside [0,1]", confidence)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	rep, err := m.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return rep, err
	}
	if rep.Status != domain.ReportPendingClassification {
		return rep, errs.Conflict("report", rep.ID, rep.Status, domain.ReportClassified)
	}
	now := m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.SetClassificationTx(ctx, tx, reportID, category, confidence, needsReview, now); err != nil {
		return rep, err
	}
	if err := m.Repo.UpdateReportStatusTx(ctx, tx, reportID, domain.ReportClassified, now); err != nil {
		return rep, err
	}
	if err := m.Events.Append(ctx, tx, "report.classified", "report", rep.ID, actorID, events.EventPayload{
		"category": category, "confidence": confidence, "needs_review": needsReview,
	}); err != nil {
		return rep, err
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	rep.Status = domain.ReportClassified
	rep.Category = &category
	rep.Confidence = &confidence
	rep.NeedsReview = needsReview
	rep.UpdatedAt = now
	m.emit(Emitted{
		Type: "report.classified", EntityKind: "report", EntityID: rep.ID,
		ReportID: rep.ID, ActorID: actorID,
		Payload: map[string]any{"category": category, "confidence": confidence, "needs_review": needsReview},
	})
	return rep, nil
}

// AssignOptions parameterizes AssignToOfficer.
type AssignOptions struct {
	ReportID     string
	DepartmentID string
	OfficerID    string
	Priority     string
	SLADeadline  time.Time
	ActorID      string
}

// AssignToOfficer walks the report through assigned_to_department and
// assigned_to_officer and creates the task, all in one transaction. The SLA
// deadline is computed by the caller once, here, and frozen until the report
// is reassigned. Legal starting statuses: classified, assignment_rejected,
// reopened.
func (m *Machine) AssignToOfficer(ctx context.Context, opts AssignOptions) (domain.Task, error) {
	if opts.OfficerID == "" || opts.DepartmentID == "" {
		return domain.Task{}, errs.Validation("department and officer are required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	rep, err := m.Repo.GetReportTx(ctx, tx, opts.ReportID)
	if err != nil {
		return domain.Task{}, err
	}
	if !ReportTransitionAllowed(rep.Status, domain.ReportAssignedToDepartment) {
		return domain.Task{}, errs.Conflict("report", rep.ID, rep.Status, domain.ReportAssignedToDepartment)
	}
	officer, err := officerInDepartmentTx(ctx, tx, opts.OfficerID, opts.DepartmentID)
	if err != nil {
		return domain.Task{}, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	deadline := opts.SLADeadline.UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             uuid.New().String(),
		ReportID:       rep.ID,
		AssigneeID:     officer.ID,
		Status:         domain.TaskAssigned,
		Priority:       opts.Priority,
		SLADeadline:    &deadline,
		SLAState:       domain.SLACompliant,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// The unique open-task index backs this up; failing early gives the
	// caller a conflict instead of a constraint error.
	var open int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE report_id=? AND status NOT IN (?,?)`,
		rep.ID, domain.TaskResolved, domain.TaskRejected).Scan(&open); err != nil {
		return domain.Task{}, err
	}
	if open > 0 {
		return domain.Task{}, errs.Conflict("report", rep.ID, rep.Status, domain.ReportAssignedToOfficer)
	}
	if err := m.Repo.SetReportDepartmentTx(ctx, tx, rep.ID, opts.DepartmentID, now); err != nil {
		return domain.Task{}, err
	}
	if err := m.Repo.UpdateReportStatusTx(ctx, tx, rep.ID, domain.ReportAssignedToOfficer, now); err != nil {
		return domain.Task{}, err
	}
	if err := m.Repo.ClearNeedsReviewTx(ctx, tx, rep.ID, now); err != nil {
		return domain.Task{}, err
	}
	if err := m.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := m.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.ActorID, events.EventPayload{
		"report_id": rep.ID, "assignee_id": officer.ID, "sla_deadline": deadline, "priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	m.emit(Emitted{
		Type: "task.assigned", EntityKind: "task", EntityID: t.ID,
		ReportID: rep.ID, TaskID: t.ID, ActorID: opts.ActorID,
		Payload: map[string]any{
			"assignee_id": officer.ID, "department_id": opts.DepartmentID,
			"reporter_id": rep.ReporterID, "sla_deadline": deadline,
		},
	})
	return t, nil
}

func officerInDepartmentTx(ctx context.Context, tx *sql.Tx, officerID, departmentID string) (domain.Officer, error) {
	var o domain.Officer
	var active int
	err := tx.QueryRowContext(ctx, `SELECT id,name,department_id,role,active FROM officers WHERE id=?`, officerID).
		Scan(&o.ID, &o.Name, &o.Department, &o.Role, &active)
	if err == sql.ErrNoRows {
		return o, errs.Validation("officer %s not found", officerID)
	}
	if err != nil {
		return o, err
	}
	o.Active = active != 0
	if !o.Active {
		return o, errs.Validation("officer %s is not active", officerID)
	}
	if o.Department == nil || *o.Department != departmentID {
		return o, errs.Validation("officer %s not in department %s", officerID, departmentID)
	}
	return o, nil
}

// Transition applies a requested status change. Task transitions carry their
// derived report-status change in the same transaction; report transitions
// are refused while an open task exists, because then the task drives the
// report.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (Result, error) {
	switch req.EntityKind {
	case "report":
		return m.transitionReport(ctx, req)
	case "task":
		return m.transitionTask(ctx, req)
	default:
		return Result{}, errs.Validation("unknown entity kind %q", req.EntityKind)
	}
}

func (m *Machine) transitionReport(ctx context.Context, req TransitionRequest) (Result, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	rep, err := m.Repo.GetReportTx(ctx, tx, req.EntityID)
	if err != nil {
		return Result{}, err
	}
	if !ReportTransitionAllowed(rep.Status, req.TargetStatus) {
		return Result{}, errs.Conflict("report", rep.ID, rep.Status, req.TargetStatus)
	}
	var open int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE report_id=? AND status NOT IN (?,?)`,
		rep.ID, domain.TaskResolved, domain.TaskRejected).Scan(&open); err != nil {
		return Result{}, err
	}
	if open > 0 {
		return Result{}, errs.Conflict("report", rep.ID, rep.Status, req.TargetStatus)
	}
	now := m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdateReportStatusTx(ctx, tx, rep.ID, req.TargetStatus, now); err != nil {
		return Result{}, err
	}
	if req.TargetStatus == domain.ReportRejected || req.TargetStatus == domain.ReportDuplicate {
		if err := m.Repo.SetReportRejectionTx(ctx, tx, rep.ID, req.Metadata["reason"], now); err != nil {
			return Result{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, "report.transitioned", "report", rep.ID, req.ActorID, events.EventPayload{
		"from": rep.Status, "to": req.TargetStatus,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	from := rep.Status
	rep.Status = req.TargetStatus
	rep.UpdatedAt = now
	m.emit(Emitted{
		Type: "report.transitioned", EntityKind: "report", EntityID: rep.ID,
		ReportID: rep.ID, ActorID: req.ActorID,
		Payload: map[string]any{"from": from, "to": req.TargetStatus, "reporter_id": rep.ReporterID},
	})
	return Result{EntityKind: "report", EntityID: rep.ID, From: from, To: req.TargetStatus, Report: &rep}, nil
}

func (m *Machine) transitionTask(ctx context.Context, req TransitionRequest) (Result, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	t, err := m.Repo.GetTaskTx(ctx, tx, req.EntityID)
	if err != nil {
		return Result{}, err
	}
	if !TaskTransitionAllowed(t.Status, req.TargetStatus) {
		return Result{}, errs.Conflict("task", t.ID, t.Status, req.TargetStatus)
	}
	if err := checkTaskPreconditions(t, req); err != nil {
		return Result{}, err
	}
	rep, err := m.Repo.GetReportTx(ctx, tx, t.ReportID)
	if err != nil {
		return Result{}, fmt.Errorf("load report %s: %w", t.ReportID, err)
	}
	reportTarget := domain.ReportStatusFor(req.TargetStatus)
	if reportTarget == "" {
		return Result{}, errs.Fatal("no report status for task status %s", req.TargetStatus)
	}

	now := m.now().UTC().Format(time.RFC3339)
	from := t.Status
	t.Status = req.TargetStatus
	t.LastActivityAt = now
	t.UpdatedAt = now
	if proof, ok := req.Metadata["proof_json"]; ok && proof != "" {
		t.ProofJSON = &proof
	}
	if req.TargetStatus == domain.TaskRejected {
		reason := req.Metadata["reason"]
		t.RejectedReason = &reason
	}
	if err := m.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return Result{}, err
	}
	if err := m.Repo.UpdateReportStatusTx(ctx, tx, rep.ID, reportTarget, now); err != nil {
		return Result{}, err
	}
	if req.TargetStatus == domain.TaskRejected {
		// Rejection keeps the report alive: it goes back to the
		// reassignment-pending state and the open-task slot frees up.
		if err := m.Repo.SetReportRejectionTx(ctx, tx, rep.ID, req.Metadata["reason"], now); err != nil {
			return Result{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, "task.transitioned", "task", t.ID, req.ActorID, events.EventPayload{
		"from": from, "to": req.TargetStatus, "report_id": rep.ID, "report_status": reportTarget,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	reportFrom := rep.Status
	rep.Status = reportTarget
	rep.UpdatedAt = now
	m.emit(Emitted{
		Type: "task." + req.TargetStatus, EntityKind: "task", EntityID: t.ID,
		ReportID: rep.ID, TaskID: t.ID, ActorID: req.ActorID,
		Payload: map[string]any{
			"from": from, "to": req.TargetStatus,
			"report_from": reportFrom, "report_to": reportTarget,
			"assignee_id": t.AssigneeID, "reporter_id": rep.ReporterID,
			"reason": req.Metadata["reason"],
		},
	})
	return Result{EntityKind: "task", EntityID: t.ID, From: from, To: req.TargetStatus, Report: &rep, Task: &t}, nil
}

func checkTaskPreconditions(t domain.Task, req TransitionRequest) error {
	switch req.TargetStatus {
	case domain.TaskResolved:
		hasProof := t.ProofJSON != nil && *t.ProofJSON != ""
		if p, ok := req.Metadata["proof_json"]; ok && p != "" {
			hasProof = true
		}
		if !hasProof {
			return errs.Validation("task %s: proof of work required to resolve", t.ID)
		}
	case domain.TaskRejected:
		if req.Metadata["reason"] == "" {
			return errs.Validation("task %s: rejection reason required", t.ID)
		}
	}
	return nil
}

// RecordSLAState persists a recomputed SLA state for a task. It is called by
// the SLA scheduler only; the violation counter increments exactly on the
// first move into violated.
func (m *Machine) RecordSLAState(ctx context.Context, taskID, state, actorID string) (domain.Task, bool, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()
	t, err := m.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, false, err
	}
	if t.SLAState == state {
		return t, false, nil
	}
	firstViolation := state == domain.SLAViolated && t.SLAState != domain.SLAViolated
	if firstViolation {
		t.ViolationCount++
	}
	prev := t.SLAState
	t.SLAState = state
	now := m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdateTaskSLATx(ctx, tx, t.ID, t.SLAState, t.ViolationCount, now); err != nil {
		return t, false, err
	}
	if err := m.Events.Append(ctx, tx, "task.sla", "task", t.ID, actorID, events.EventPayload{
		"from": prev, "to": state, "violation_count": t.ViolationCount,
	}); err != nil {
		return t, false, err
	}
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	t.UpdatedAt = now
	if state == domain.SLAWarning || firstViolation {
		m.emit(Emitted{
			Type: "task.sla." + state, EntityKind: "task", EntityID: t.ID,
			ReportID: t.ReportID, TaskID: t.ID, ActorID: actorID,
			Payload: map[string]any{"sla_state": state, "assignee_id": t.AssigneeID, "deadline": t.SLADeadline},
		})
	}
	return t, firstViolation, nil
}

// CheckOpenTaskInvariant verifies the at-most-one-open-task invariant for a
// report. A violation is a FatalError: it means a write bypassed the machine.
func (m *Machine) CheckOpenTaskInvariant(ctx context.Context, reportID string) error {
	n, err := m.Repo.CountOpenTasksByReport(ctx, reportID)
	if err != nil {
		return err
	}
	if n > 1 {
		return errs.Fatal("report %s has %d open tasks", reportID, n)
	}
	return nil
}
