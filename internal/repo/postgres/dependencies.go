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

type DependencyStore struct {
	db   DB
	lock bool
}

const (
	insertDependencyQuery = `INSERT INTO dependencies (
		dependency_id,
		project_id,
		dependent_type,
		dependent_id,
		depends_on_type,
		depends_on_id,
		dependency_type,
		lag_days,
		status,
		satisfied_at,
		notes,
		is_critical_path,
		slack_days,
		created_at,
		created_by,
		version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`

	selectDependencyColumns = `dependency_id, project_id, dependent_type, dependent_id, depends_on_type, depends_on_id,
	 dependency_type, lag_days, status, satisfied_at, COALESCE(notes,''), is_critical_path, slack_days,
	 created_at, COALESCE(created_by,''), version`

	getDependencyQuery = `SELECT ` + selectDependencyColumns + ` FROM dependencies
	 WHERE project_id = $1 AND dependency_id = $2`

	listDependenciesByDependentQuery = `SELECT ` + selectDependencyColumns + ` FROM dependencies
	 WHERE project_id = $1 AND dependent_type = $2 AND dependent_id = $3
	 ORDER BY created_at ASC, dependency_id ASC`

	listDependenciesByDependsOnQuery = `SELECT ` + selectDependencyColumns + ` FROM dependencies
	 WHERE project_id = $1 AND depends_on_type = $2 AND depends_on_id = $3
	 ORDER BY created_at ASC, dependency_id ASC`

	listDependenciesByProjectQuery = `SELECT ` + selectDependencyColumns + ` FROM dependencies
	 WHERE project_id = $1
	 ORDER BY created_at ASC, dependency_id ASC`

	updateDependencyQuery = `UPDATE dependencies SET
		dependency_type = $3,
		lag_days = $4,
		status = $5,
		satisfied_at = $6,
		notes = $7,
		is_critical_path = $8,
		slack_days = $9,
		version = version + 1
	 WHERE project_id = $1 AND dependency_id = $2 AND version = $10
	 RETURNING version`

	deleteDependencyQuery = `DELETE FROM dependencies WHERE project_id = $1 AND dependency_id = $2`

	deleteDependenciesByEntityQuery = `DELETE FROM dependencies
	 WHERE project_id = $1
	   AND ((dependent_type = $2 AND dependent_id = $3) OR (depends_on_type = $2 AND depends_on_id = $3))`
)

func NewDependencyStore(db DB, lock bool) *DependencyStore {
	if db == nil {
		return nil
	}
	return &DependencyStore{db: db, lock: lock}
}

func (s *DependencyStore) CreateDependency(ctx context.Context, dep domain.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertDependencyQuery,
		strings.TrimSpace(dep.ID),
		strings.TrimSpace(dep.ProjectID),
		string(dep.Dependent.Type),
		dep.Dependent.ID,
		string(dep.DependsOn.Type),
		dep.DependsOn.ID,
		string(domain.NormalizeDependencyType(string(dep.Type))),
		dep.LagDays,
		string(dep.Status),
		nullTime(dep.SatisfiedAt),
		nullIfEmpty(dep.Notes),
		dep.IsCriticalPath,
		dep.SlackDays,
		normalizeTime(dep.CreatedAt),
		nullIfEmpty(dep.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", handleDuplicate(err))
	}
	return nil
}

func (s *DependencyStore) GetDependency(ctx context.Context, projectID, id string) (domain.Dependency, error) {
	row := s.db.QueryRowContext(ctx, forUpdate(getDependencyQuery, s.lock), strings.TrimSpace(projectID), strings.TrimSpace(id))
	return scanDependency(row)
}

func (s *DependencyStore) ListByDependent(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return s.list(ctx, listDependenciesByDependentQuery, strings.TrimSpace(projectID), string(ref.Type), ref.ID)
}

func (s *DependencyStore) ListByDependsOn(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return s.list(ctx, listDependenciesByDependsOnQuery, strings.TrimSpace(projectID), string(ref.Type), ref.ID)
}

func (s *DependencyStore) ListByProject(ctx context.Context, projectID string) ([]domain.Dependency, error) {
	return s.list(ctx, listDependenciesByProjectQuery, strings.TrimSpace(projectID))
}

func (s *DependencyStore) list(ctx context.Context, query string, args ...any) ([]domain.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, forUpdate(query, s.lock), args...)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Dependency, 0)
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	return out, nil
}

func (s *DependencyStore) UpdateDependency(ctx context.Context, dep domain.Dependency) (domain.Dependency, error) {
	if err := dep.Validate(); err != nil {
		return domain.Dependency{}, err
	}
	var version int64
	err := s.db.QueryRowContext(ctx, updateDependencyQuery,
		strings.TrimSpace(dep.ProjectID),
		strings.TrimSpace(dep.ID),
		string(domain.NormalizeDependencyType(string(dep.Type))),
		dep.LagDays,
		string(dep.Status),
		nullTime(dep.SatisfiedAt),
		nullIfEmpty(dep.Notes),
		dep.IsCriticalPath,
		dep.SlackDays,
		dep.Version,
	).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Dependency{}, fmt.Errorf("update dependency: %w", err)
		}
		if _, getErr := s.GetDependency(ctx, dep.ProjectID, dep.ID); getErr != nil {
			return domain.Dependency{}, getErr
		}
		return domain.Dependency{}, repo.ErrConflict
	}
	dep.Version = version
	return dep, nil
}

func (s *DependencyStore) DeleteDependency(ctx context.Context, projectID, id string) error {
	res, err := s.db.ExecContext(ctx, deleteDependencyQuery, strings.TrimSpace(projectID), strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete dependency: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *DependencyStore) DeleteByEntity(ctx context.Context, projectID string, ref domain.EntityRef) (int, error) {
	res, err := s.db.ExecContext(ctx, deleteDependenciesByEntityQuery, strings.TrimSpace(projectID), string(ref.Type), ref.ID)
	if err != nil {
		return 0, fmt.Errorf("delete dependencies by entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete dependencies by entity: %w", err)
	}
	return int(n), nil
}

func scanDependency(scanner rowScanner) (domain.Dependency, error) {
	var dep domain.Dependency
	var dependentType, dependsOnType, depType, status string
	var satisfiedAt sql.NullTime
	if err := scanner.Scan(
		&dep.ID,
		&dep.ProjectID,
		&dependentType,
		&dep.Dependent.ID,
		&dependsOnType,
		&dep.DependsOn.ID,
		&depType,
		&dep.LagDays,
		&status,
		&satisfiedAt,
		&dep.Notes,
		&dep.IsCriticalPath,
		&dep.SlackDays,
		&dep.CreatedAt,
		&dep.CreatedBy,
		&dep.Version,
	); err != nil {
		return domain.Dependency{}, handleNotFound(err)
	}
	dep.Dependent.Type = domain.NormalizeEntityType(dependentType)
	dep.DependsOn.Type = domain.NormalizeEntityType(dependsOnType)
	dep.Type = domain.NormalizeDependencyType(depType)
	dep.Status = domain.NormalizeDependencyStatus(status)
	dep.SatisfiedAt = timePtr(satisfiedAt)
	dep.CreatedAt = dep.CreatedAt.UTC()
	return dep, nil
}
