package repo

import (
	"context"
	"database/sql"

	"civicflow/internal/domain"
)

const escalationCols = `id,task_id,level,reason,status,created_at,updated_at`

func scanEscalation(row rowScanner) (domain.Escalation, error) {
	var e domain.Escalation
	err := row.Scan(&e.ID, &e.TaskID, &e.Level, &e.Reason, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEscalationTx(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(id,task_id,level,reason,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Level, e.Reason, e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE id=?`, id))
}

// GetOpenEscalationByTask returns the task's active escalation chain, if any.
func (r Repo) GetOpenEscalationByTask(ctx context.Context, taskID string) (domain.Escalation, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx,
		`SELECT `+escalationCols+` FROM escalations WHERE task_id=? AND status NOT IN (?,?) ORDER BY created_at DESC LIMIT 1`,
		taskID, domain.EscalationResolved, domain.EscalationDeEscalated))
}

// GetOpenEscalationByTaskTx is GetOpenEscalationByTask under the caller's
// transaction.
func (r Repo) GetOpenEscalationByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Escalation, error) {
	return scanEscalation(tx.QueryRowContext(ctx,
		`SELECT `+escalationCols+` FROM escalations WHERE task_id=? AND status NOT IN (?,?) ORDER BY created_at DESC LIMIT 1`,
		taskID, domain.EscalationResolved, domain.EscalationDeEscalated))
}

func (r Repo) UpdateEscalationTx(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET level=?, reason=?, status=?, updated_at=? WHERE id=?`,
		e.Level, e.Reason, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEscalations(ctx context.Context, taskID string, limit int) ([]domain.Escalation, error) {
	query := `SELECT ` + escalationCols + ` FROM escalations`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
