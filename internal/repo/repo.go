package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"civicflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const reportCols = `id,reporter_id,title,COALESCE(description,'') AS description,category,severity,status,department_id,confidence,needs_review,rejected_reason,rejected_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (domain.Report, error) {
	var r domain.Report
	var needsReview int
	err := row.Scan(&r.ID, &r.ReporterID, &r.Title, &r.Description, &r.Category, &r.Severity, &r.Status,
		&r.Department, &r.Confidence, &needsReview, &r.RejectedReason, &r.RejectedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	r.NeedsReview = needsReview != 0
	return r, err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id=?`, id))
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	return scanReport(tx.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id=?`, id))
}

func (r Repo) UpdateReportStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetClassificationTx records the classifier verdict on a report.
func (r Repo) SetClassificationTx(ctx context.Context, tx *sql.Tx, id, category string, confidence float64, needsReview bool, updatedAt string) error {
	review := 0
	if needsReview {
		review = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET category=?, confidence=?, needs_review=?, updated_at=? WHERE id=?`,
		category, confidence, review, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetReportDepartmentTx(ctx context.Context, tx *sql.Tx, id, departmentID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reports SET department_id=?, updated_at=? WHERE id=?`, departmentID, updatedAt, id)
	return err
}

func (r Repo) ClearNeedsReviewTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reports SET needs_review=0, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) SetReportRejectionTx(ctx context.Context, tx *sql.Tx, id, reason, rejectedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reports SET rejected_reason=?, rejected_at=?, updated_at=? WHERE id=?`,
		nullable(reason), rejectedAt, rejectedAt, id)
	return err
}

func (r Repo) ListReports(ctx context.Context, status string, limit int) ([]domain.Report, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if status != "" {
		clauses = []string{"status=?"}
		args = append(args, status)
	}
	query := `SELECT ` + reportCols + ` FROM reports WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// ListNeedsReview returns the manual-assignment backlog: classified reports
// whose confidence fell below the auto-assign threshold.
func (r Repo) ListNeedsReview(ctx context.Context, limit int) ([]domain.Report, error) {
	query := `SELECT ` + reportCols + ` FROM reports WHERE needs_review=1 AND status=? ORDER BY created_at ASC`
	args := []any{domain.ReportClassified}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
