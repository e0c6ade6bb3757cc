package client

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
)

// AssignmentStatus is the state of one employment assignment.
type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "ACTIVE"
	AssignmentInactive AssignmentStatus = "INACTIVE"
)

// Assignment is one employee's employment at one company.
type Assignment struct {
	EmployeeID   string
	CompanyID    string
	GroupID      *string
	PositionID   *string
	SupervisorID *string
	Status       AssignmentStatus
}

// PostgresDirectory reads organisational data from the HR schema's
// employee_assignments table. It never writes.
type PostgresDirectory struct {
	db *database.DB
}

// NewPostgresDirectory creates a PostgresDirectory.
func NewPostgresDirectory(db *database.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// ActiveAssignments returns an employee's ACTIVE assignments.
func (d *PostgresDirectory) ActiveAssignments(ctx context.Context, employeeID string) ([]Assignment, error) {
	rows, err := d.db.Query(ctx, `
		SELECT employee_id, company_id, group_id, position_id, supervisor_id, status
		FROM employee_assignments
		WHERE employee_id = $1 AND status = 'ACTIVE'
		ORDER BY company_id
	`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("query assignments of %s: %w", employeeID, err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.EmployeeID, &a.CompanyID, &a.GroupID, &a.PositionID, &a.SupervisorID, &a.Status); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SupervisorOf returns the supervisor linked to the employee's active
// assignment at the company. ok is false when there is none.
func (d *PostgresDirectory) SupervisorOf(ctx context.Context, employeeID, companyID string) (string, bool, error) {
	var supervisorID *string
	err := d.db.QueryRow(ctx, `
		SELECT supervisor_id
		FROM employee_assignments
		WHERE employee_id = $1 AND company_id = $2 AND status = 'ACTIVE'
		ORDER BY supervisor_id NULLS LAST
		LIMIT 1
	`, employeeID, companyID).Scan(&supervisorID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query supervisor of %s: %w", employeeID, err)
	}
	if supervisorID == nil || *supervisorID == "" {
		return "", false, nil
	}
	return *supervisorID, true, nil
}

// PositionHolders returns the employees actively holding a position at a
// company, sorted by id.
func (d *PostgresDirectory) PositionHolders(ctx context.Context, companyID, positionID string) ([]string, error) {
	rows, err := d.db.Query(ctx, `
		SELECT DISTINCT employee_id
		FROM employee_assignments
		WHERE company_id = $1 AND position_id = $2 AND status = 'ACTIVE'
		ORDER BY employee_id
	`, companyID, positionID)
	if err != nil {
		return nil, fmt.Errorf("query holders of position %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan position holder: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// StaticDirectory is an in-memory directory for development and tests.
// The zero value is ready for use.
type StaticDirectory struct {
	mu          sync.RWMutex
	assignments []Assignment
}

// NewStaticDirectory creates a directory seeded with the given assignments.
func NewStaticDirectory(assignments ...Assignment) *StaticDirectory {
	return &StaticDirectory{assignments: slices.Clone(assignments)}
}

// Add registers an assignment.
func (d *StaticDirectory) Add(a Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments = append(d.assignments, a)
}

// Deactivate marks all of an employee's assignments INACTIVE.
func (d *StaticDirectory) Deactivate(employeeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.assignments {
		if d.assignments[i].EmployeeID == employeeID {
			d.assignments[i].Status = AssignmentInactive
		}
	}
}

// ActiveAssignments implements the directory lookup.
func (d *StaticDirectory) ActiveAssignments(_ context.Context, employeeID string) ([]Assignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Assignment
	for _, a := range d.assignments {
		if a.EmployeeID == employeeID && a.Status == AssignmentActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// SupervisorOf implements the directory lookup.
func (d *StaticDirectory) SupervisorOf(_ context.Context, employeeID, companyID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, a := range d.assignments {
		if a.EmployeeID == employeeID && a.CompanyID == companyID && a.Status == AssignmentActive &&
			a.SupervisorID != nil && *a.SupervisorID != "" {
			return *a.SupervisorID, true, nil
		}
	}
	return "", false, nil
}

// PositionHolders implements the directory lookup.
func (d *StaticDirectory) PositionHolders(_ context.Context, companyID, positionID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for _, a := range d.assignments {
		if a.CompanyID == companyID && a.Status == AssignmentActive &&
			a.PositionID != nil && *a.PositionID == positionID && !slices.Contains(out, a.EmployeeID) {
			out = append(out, a.EmployeeID)
		}
	}
	sort.Strings(out)
	return out, nil
}
