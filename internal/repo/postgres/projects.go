package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

type ProjectStore struct {
	db DB
}

const (
	insertProjectQuery = `INSERT INTO projects (project_id, name, start_date, schedule_dirty, created_at, created_by)
	 VALUES ($1,$2,$3,$4,$5,$6)`

	selectProjectColumns = `project_id, name, start_date, schedule_dirty, created_at, COALESCE(created_by,'')`

	getProjectQuery = `SELECT ` + selectProjectColumns + ` FROM projects WHERE project_id = $1`

	listProjectsQuery = `SELECT ` + selectProjectColumns + ` FROM projects ORDER BY project_id ASC`

	listDirtyProjectsQuery = `SELECT ` + selectProjectColumns + ` FROM projects
	 WHERE schedule_dirty = TRUE
	 ORDER BY project_id ASC
	 LIMIT $1`

	setScheduleDirtyQuery = `UPDATE projects SET schedule_dirty = $2 WHERE project_id = $1`
)

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) CreateProject(ctx context.Context, project domain.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertProjectQuery,
		strings.TrimSpace(project.ID),
		strings.TrimSpace(project.Name),
		domain.Day(normalizeTime(project.StartDate)),
		project.ScheduleDirty,
		normalizeTime(project.CreatedAt),
		nullIfEmpty(project.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", handleDuplicate(err))
	}
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, getProjectQuery, strings.TrimSpace(id)))
}

func (s *ProjectStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return s.list(ctx, listProjectsQuery)
}

func (s *ProjectStore) ListDirtyProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listDirtyProjectsQuery, limit)
}

func (s *ProjectStore) list(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func (s *ProjectStore) MarkScheduleDirty(ctx context.Context, id string) error {
	return s.setDirty(ctx, id, true)
}

func (s *ProjectStore) ClearScheduleDirty(ctx context.Context, id string) error {
	return s.setDirty(ctx, id, false)
}

func (s *ProjectStore) setDirty(ctx context.Context, id string, dirty bool) error {
	res, err := s.db.ExecContext(ctx, setScheduleDirtyQuery, strings.TrimSpace(id), dirty)
	if err != nil {
		return fmt.Errorf("update project schedule flag: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanProject(scanner rowScanner) (domain.Project, error) {
	var project domain.Project
	var startDate sql.NullTime
	if err := scanner.Scan(
		&project.ID,
		&project.Name,
		&startDate,
		&project.ScheduleDirty,
		&project.CreatedAt,
		&project.CreatedBy,
	); err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	if startDate.Valid {
		project.StartDate = domain.Day(startDate.Time)
	}
	project.CreatedAt = project.CreatedAt.UTC()
	return project, nil
}
