package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

type AssignmentStore struct {
	db   DB
	lock bool
}

const (
	insertAssignmentQuery = `INSERT INTO step_assignments (
		assignment_id,
		project_id,
		step_id,
		crew_member_id,
		company_id,
		status,
		assigned_date,
		accepted_date,
		declined_date,
		notes,
		version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)`

	selectAssignmentColumns = `assignment_id, project_id, step_id, COALESCE(crew_member_id,''), COALESCE(company_id,''),
	 status, assigned_date, accepted_date, declined_date, COALESCE(notes,''), version`

	getAssignmentQuery = `SELECT ` + selectAssignmentColumns + ` FROM step_assignments
	 WHERE project_id = $1 AND assignment_id = $2`

	listAssignmentsByStepQuery = `SELECT ` + selectAssignmentColumns + ` FROM step_assignments
	 WHERE project_id = $1 AND step_id = $2
	 ORDER BY assignment_id ASC`

	updateAssignmentQuery = `UPDATE step_assignments SET
		status = $3,
		accepted_date = $4,
		declined_date = $5,
		notes = $6,
		version = version + 1
	 WHERE project_id = $1 AND assignment_id = $2 AND version = $7
	 RETURNING version`
)

func NewAssignmentStore(db DB, lock bool) *AssignmentStore {
	if db == nil {
		return nil
	}
	return &AssignmentStore{db: db, lock: lock}
}

func (s *AssignmentStore) CreateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := assignment.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertAssignmentQuery,
		strings.TrimSpace(assignment.ID),
		strings.TrimSpace(assignment.ProjectID),
		strings.TrimSpace(assignment.StepID),
		nullIfEmpty(assignment.CrewMemberID),
		nullIfEmpty(assignment.CompanyID),
		string(assignment.Status),
		normalizeTime(assignment.AssignedDate),
		nullTime(assignment.AcceptedDate),
		nullTime(assignment.DeclinedDate),
		nullIfEmpty(assignment.Notes),
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", handleDuplicate(err))
	}
	return nil
}

func (s *AssignmentStore) GetAssignment(ctx context.Context, projectID, id string) (domain.Assignment, error) {
	row := s.db.QueryRowContext(ctx, forUpdate(getAssignmentQuery, s.lock), strings.TrimSpace(projectID), strings.TrimSpace(id))
	return scanAssignment(row)
}

func (s *AssignmentStore) ListByStep(ctx context.Context, projectID, stepID string) ([]domain.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, forUpdate(listAssignmentsByStepQuery, s.lock), strings.TrimSpace(projectID), strings.TrimSpace(stepID))
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Assignment, 0)
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

func (s *AssignmentStore) UpdateAssignment(ctx context.Context, assignment domain.Assignment) (domain.Assignment, error) {
	if err := assignment.Validate(); err != nil {
		return domain.Assignment{}, err
	}
	var version int64
	err := s.db.QueryRowContext(ctx, updateAssignmentQuery,
		strings.TrimSpace(assignment.ProjectID),
		strings.TrimSpace(assignment.ID),
		string(assignment.Status),
		nullTime(assignment.AcceptedDate),
		nullTime(assignment.DeclinedDate),
		nullIfEmpty(assignment.Notes),
		assignment.Version,
	).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Assignment{}, fmt.Errorf("update assignment: %w", err)
		}
		if _, getErr := s.GetAssignment(ctx, assignment.ProjectID, assignment.ID); getErr != nil {
			return domain.Assignment{}, getErr
		}
		return domain.Assignment{}, repo.ErrConflict
	}
	assignment.Version = version
	return assignment, nil
}

func scanAssignment(scanner rowScanner) (domain.Assignment, error) {
	var assignment domain.Assignment
	var status string
	var acceptedDate, declinedDate sql.NullTime
	if err := scanner.Scan(
		&assignment.ID,
		&assignment.ProjectID,
		&assignment.StepID,
		&assignment.CrewMemberID,
		&assignment.CompanyID,
		&status,
		&assignment.AssignedDate,
		&acceptedDate,
		&declinedDate,
		&assignment.Notes,
		&assignment.Version,
	); err != nil {
		return domain.Assignment{}, handleNotFound(err)
	}
	assignment.Status = domain.NormalizeAssignmentStatus(status)
	assignment.AssignedDate = assignment.AssignedDate.UTC()
	assignment.AcceptedDate = timePtr(acceptedDate)
	assignment.DeclinedDate = timePtr(declinedDate)
	return assignment, nil
}
