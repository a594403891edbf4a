package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

type UnitStore struct {
	db   DB
	lock bool
	now  func() time.Time
}

const (
	insertUnitQuery = `INSERT INTO schedulable_units (
		entity_type,
		entity_id,
		project_id,
		parent_type,
		parent_id,
		name,
		status,
		order_index,
		estimated_days,
		planned_start,
		planned_end,
		actual_start,
		actual_end,
		required_skills,
		requires_quality_check,
		quality_check_passed,
		completion_notes,
		created_at,
		updated_at,
		version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18,1)`

	selectUnitColumns = `entity_type, entity_id, project_id, COALESCE(parent_type,''), COALESCE(parent_id,''), name, status,
	 order_index, estimated_days, planned_start, planned_end, actual_start, actual_end, required_skills,
	 requires_quality_check, quality_check_passed, COALESCE(completion_notes,''), created_at, updated_at, version`

	getUnitQuery = `SELECT ` + selectUnitColumns + ` FROM schedulable_units
	 WHERE project_id = $1 AND entity_type = $2 AND entity_id = $3`

	findUnitQuery = `SELECT ` + selectUnitColumns + ` FROM schedulable_units
	 WHERE entity_type = $1 AND entity_id = $2`

	listUnitsQueryPrefix = `SELECT ` + selectUnitColumns + ` FROM schedulable_units WHERE project_id = $1`

	listUnitsOrder = ` ORDER BY CASE entity_type WHEN 'STAGE' THEN 0 WHEN 'STEP' THEN 2 ELSE 1 END, parent_id, order_index, entity_id`

	updateUnitQuery = `UPDATE schedulable_units SET
		name = $4,
		status = $5,
		order_index = $6,
		estimated_days = $7,
		planned_start = $8,
		planned_end = $9,
		actual_start = $10,
		actual_end = $11,
		required_skills = $12,
		requires_quality_check = $13,
		quality_check_passed = $14,
		completion_notes = $15,
		updated_at = $16,
		version = version + 1
	 WHERE project_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $17
	 RETURNING version`

	deleteUnitQuery = `DELETE FROM schedulable_units WHERE project_id = $1 AND entity_type = $2 AND entity_id = $3`
)

func NewUnitStore(db DB, lock bool) *UnitStore {
	if db == nil {
		return nil
	}
	return &UnitStore{db: db, lock: lock, now: func() time.Time { return time.Now().UTC() }}
}

func (s *UnitStore) CreateUnit(ctx context.Context, unit domain.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	skills, err := encodeStrings(unit.RequiredSkills)
	if err != nil {
		return fmt.Errorf("encode required skills: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertUnitQuery,
		string(unit.Ref.Type),
		unit.Ref.ID,
		unit.ProjectID,
		nullIfEmpty(string(unit.Parent.Type)),
		nullIfEmpty(unit.Parent.ID),
		strings.TrimSpace(unit.Name),
		string(unit.Status),
		unit.OrderIndex,
		unit.EstimatedDays,
		nullTime(unit.PlannedStart),
		nullTime(unit.PlannedEnd),
		nullTime(unit.ActualStart),
		nullTime(unit.ActualEnd),
		skills,
		unit.RequiresQualityCheck,
		nullBool(unit.QualityCheckPassed),
		nullIfEmpty(unit.CompletionNotes),
		normalizeTime(unit.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert unit: %w", handleDuplicate(err))
	}
	return nil
}

func (s *UnitStore) GetUnit(ctx context.Context, projectID string, ref domain.EntityRef) (domain.Unit, error) {
	row := s.db.QueryRowContext(ctx, forUpdate(getUnitQuery, s.lock), strings.TrimSpace(projectID), string(ref.Type), ref.ID)
	return scanUnit(row)
}

func (s *UnitStore) FindUnit(ctx context.Context, ref domain.EntityRef) (domain.Unit, error) {
	row := s.db.QueryRowContext(ctx, forUpdate(findUnitQuery, s.lock), string(ref.Type), ref.ID)
	return scanUnit(row)
}

func (s *UnitStore) ListUnits(ctx context.Context, filter repo.UnitFilter) ([]domain.Unit, error) {
	projectID := strings.TrimSpace(filter.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	query, args := buildListUnitsQuery(filter)
	rows, err := s.db.QueryContext(ctx, forUpdate(query, s.lock), args...)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Unit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return out, nil
}

func buildListUnitsQuery(filter repo.UnitFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(listUnitsQueryPrefix)
	args := []any{strings.TrimSpace(filter.ProjectID)}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Type != "" {
		b.WriteString(" AND entity_type = " + next(string(filter.Type)))
	}
	if !filter.Parent.IsZero() {
		b.WriteString(" AND parent_type = " + next(string(filter.Parent.Type)))
		b.WriteString(" AND parent_id = " + next(filter.Parent.ID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		b.WriteString(" AND status = ANY(" + next(statuses) + ")")
	}
	b.WriteString(listUnitsOrder)
	return b.String(), args
}

func (s *UnitStore) UpdateUnit(ctx context.Context, unit domain.Unit) (domain.Unit, error) {
	if err := unit.Validate(); err != nil {
		return domain.Unit{}, err
	}
	skills, err := encodeStrings(unit.RequiredSkills)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("encode required skills: %w", err)
	}
	updatedAt := s.now()
	var version int64
	err = s.db.QueryRowContext(ctx, updateUnitQuery,
		unit.ProjectID,
		string(unit.Ref.Type),
		unit.Ref.ID,
		strings.TrimSpace(unit.Name),
		string(unit.Status),
		unit.OrderIndex,
		unit.EstimatedDays,
		nullTime(unit.PlannedStart),
		nullTime(unit.PlannedEnd),
		nullTime(unit.ActualStart),
		nullTime(unit.ActualEnd),
		skills,
		unit.RequiresQualityCheck,
		nullBool(unit.QualityCheckPassed),
		nullIfEmpty(unit.CompletionNotes),
		updatedAt,
		unit.Version,
	).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Unit{}, fmt.Errorf("update unit: %w", err)
		}
		if _, getErr := s.GetUnit(ctx, unit.ProjectID, unit.Ref); getErr != nil {
			return domain.Unit{}, getErr
		}
		return domain.Unit{}, repo.ErrConflict
	}
	unit.Version = version
	unit.UpdatedAt = updatedAt
	return unit, nil
}

func (s *UnitStore) DeleteUnit(ctx context.Context, projectID string, ref domain.EntityRef) error {
	res, err := s.db.ExecContext(ctx, deleteUnitQuery, strings.TrimSpace(projectID), string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("delete unit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanUnit(scanner rowScanner) (domain.Unit, error) {
	var unit domain.Unit
	var entityType, parentType, status string
	var plannedStart, plannedEnd, actualStart, actualEnd sql.NullTime
	var skills []byte
	var qualityPassed sql.NullBool
	if err := scanner.Scan(
		&entityType,
		&unit.Ref.ID,
		&unit.ProjectID,
		&parentType,
		&unit.Parent.ID,
		&unit.Name,
		&status,
		&unit.OrderIndex,
		&unit.EstimatedDays,
		&plannedStart,
		&plannedEnd,
		&actualStart,
		&actualEnd,
		&skills,
		&unit.RequiresQualityCheck,
		&qualityPassed,
		&unit.CompletionNotes,
		&unit.CreatedAt,
		&unit.UpdatedAt,
		&unit.Version,
	); err != nil {
		return domain.Unit{}, handleNotFound(err)
	}
	unit.Ref.Type = domain.NormalizeEntityType(entityType)
	unit.Parent.Type = domain.NormalizeEntityType(parentType)
	unit.Status = domain.NormalizeStatus(status)
	unit.PlannedStart = timePtr(plannedStart)
	unit.PlannedEnd = timePtr(plannedEnd)
	unit.ActualStart = timePtr(actualStart)
	unit.ActualEnd = timePtr(actualEnd)
	unit.QualityCheckPassed = boolPtr(qualityPassed)
	unit.CreatedAt = unit.CreatedAt.UTC()
	unit.UpdatedAt = unit.UpdatedAt.UTC()
	decoded, err := decodeStrings(skills)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("decode required skills: %w", err)
	}
	unit.RequiredSkills = decoded
	return unit, nil
}
