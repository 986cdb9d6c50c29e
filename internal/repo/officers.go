package repo

import (
	"context"
	"database/sql"

	"civicflow/internal/domain"
)

func scanOfficer(row rowScanner) (domain.Officer, error) {
	var o domain.Officer
	var active int
	err := row.Scan(&o.ID, &o.Name, &o.Department, &o.Role, &active)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	o.Active = active != 0
	return o, err
}

func (r Repo) GetOfficer(ctx context.Context, id string) (domain.Officer, error) {
	return scanOfficer(r.DB.QueryRowContext(ctx, `SELECT id,name,department_id,role,active FROM officers WHERE id=?`, id))
}

func (r Repo) GetDepartmentByCategory(ctx context.Context, category string) (domain.Department, error) {
	var d domain.Department
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,category FROM departments WHERE category=?`, category).
		Scan(&d.ID, &d.Name, &d.Category)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// OfficerLoad pairs an officer with the number of open tasks assigned to them.
type OfficerLoad struct {
	Officer   domain.Officer
	OpenTasks int
}

// ListOfficerLoads returns active field officers of a department with their
// current open-task counts, least-loaded first.
func (r Repo) ListOfficerLoads(ctx context.Context, departmentID string) ([]OfficerLoad, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT o.id, o.name, o.department_id, o.role, o.active,
       (SELECT COUNT(*) FROM tasks t WHERE t.assignee_id=o.id AND t.status NOT IN (?,?)) AS open_tasks
FROM officers o
WHERE o.department_id=? AND o.role=? AND o.active=1
ORDER BY open_tasks ASC, o.id ASC`,
		domain.TaskResolved, domain.TaskRejected, departmentID, domain.RoleOfficer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OfficerLoad
	for rows.Next() {
		var l OfficerLoad
		var active int
		if err := rows.Scan(&l.Officer.ID, &l.Officer.Name, &l.Officer.Department, &l.Officer.Role, &active, &l.OpenTasks); err != nil {
			return nil, err
		}
		l.Officer.Active = active != 0
		res = append(res, l)
	}
	return res, rows.Err()
}

// DepartmentHead returns the head of the given department.
func (r Repo) DepartmentHead(ctx context.Context, departmentID string) (domain.Officer, error) {
	return scanOfficer(r.DB.QueryRowContext(ctx,
		`SELECT id,name,department_id,role,active FROM officers WHERE department_id=? AND role=? AND active=1 LIMIT 1`,
		departmentID, domain.RoleDepartmentHead))
}

// OfficerByRole returns the first active officer holding a city-wide role.
func (r Repo) OfficerByRole(ctx context.Context, role string) (domain.Officer, error) {
	return scanOfficer(r.DB.QueryRowContext(ctx,
		`SELECT id,name,department_id,role,active FROM officers WHERE role=? AND active=1 ORDER BY id ASC LIMIT 1`, role))
}
