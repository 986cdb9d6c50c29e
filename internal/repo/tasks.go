package repo

import (
	"context"
	"database/sql"

	"civicflow/internal/domain"
)

const taskCols = `id,report_id,assignee_id,status,priority,sla_deadline,sla_state,violation_count,proof_json,rejected_reason,last_activity_at,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ReportID, &t.AssigneeID, &t.Status, &t.Priority, &t.SLADeadline, &t.SLAState,
		&t.ViolationCount, &t.ProofJSON, &t.RejectedReason, &t.LastActivityAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,report_id,assignee_id,status,priority,sla_deadline,sla_state,violation_count,proof_json,rejected_reason,last_activity_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ReportID, t.AssigneeID, t.Status, t.Priority, nullableStringPtr(t.SLADeadline), t.SLAState,
		t.ViolationCount, nullableStringPtr(t.ProofJSON), nullableStringPtr(t.RejectedReason),
		t.LastActivityAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

// GetOpenTaskByReport returns the report's single open task, if any.
func (r Repo) GetOpenTaskByReport(ctx context.Context, reportID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE report_id=? AND status NOT IN (?,?)`,
		reportID, domain.TaskResolved, domain.TaskRejected))
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, priority=?, sla_deadline=?, sla_state=?, violation_count=?, proof_json=?, rejected_reason=?, last_activity_at=?, updated_at=? WHERE id=?`,
		t.Status, t.Priority, nullableStringPtr(t.SLADeadline), t.SLAState, t.ViolationCount,
		nullableStringPtr(t.ProofJSON), nullableStringPtr(t.RejectedReason), t.LastActivityAt, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSLACandidates returns open tasks with a deadline, for the SLA scheduler.
func (r Repo) ListSLACandidates(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status IN (?,?,?) AND sla_deadline IS NOT NULL ORDER BY sla_deadline ASC`,
		domain.TaskAssigned, domain.TaskAcknowledged, domain.TaskInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStaleTasks returns open tasks with no recorded activity since cutoff.
func (r Repo) ListStaleTasks(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status NOT IN (?,?) AND last_activity_at < ? ORDER BY last_activity_at ASC`,
		domain.TaskResolved, domain.TaskRejected, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r Repo) UpdateTaskSLATx(ctx context.Context, tx *sql.Tx, id, slaState string, violationCount int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET sla_state=?, violation_count=?, updated_at=? WHERE id=?`,
		slaState, violationCount, updatedAt, id)
	return err
}

// CountOpenTasksByReport backs the one-open-task invariant check.
func (r Repo) CountOpenTasksByReport(ctx context.Context, reportID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE report_id=? AND status NOT IN (?,?)`,
		reportID, domain.TaskResolved, domain.TaskRejected).Scan(&n)
	return n, err
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
