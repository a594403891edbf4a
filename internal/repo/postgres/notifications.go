package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
	"github.com/google/uuid"
)

type NotificationStore struct {
	db DB
}

const (
	insertNotificationQuery = `INSERT INTO notifications (
		notification_id,
		project_id,
		kind,
		entity_type,
		entity_id,
		entity_name,
		dedupe_key,
		message,
		due_date,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (dedupe_key) DO NOTHING`

	selectNotificationColumns = `notification_id, project_id, kind, entity_type, entity_id, COALESCE(entity_name,''),
	 dedupe_key, message, due_date, created_at`

	listNotificationsQueryPrefix = `SELECT ` + selectNotificationColumns + ` FROM notifications WHERE TRUE`
)

func NewNotificationStore(db DB) *NotificationStore {
	if db == nil {
		return nil
	}
	return &NotificationStore{db: db}
}

func (s *NotificationStore) AppendNotification(ctx context.Context, n domain.Notification) (bool, error) {
	if strings.TrimSpace(n.DedupeKey) == "" {
		return false, fmt.Errorf("dedupe key is required")
	}
	if strings.TrimSpace(n.ID) == "" {
		n.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, insertNotificationQuery,
		n.ID,
		strings.TrimSpace(n.ProjectID),
		string(n.Kind),
		string(n.Entity.Type),
		n.Entity.ID,
		nullIfEmpty(n.EntityName),
		strings.TrimSpace(n.DedupeKey),
		n.Message,
		nullTime(n.DueDate),
		normalizeTime(n.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return inserted > 0, nil
}

func (s *NotificationStore) ListNotifications(ctx context.Context, filter repo.NotificationFilter) ([]domain.Notification, error) {
	query, args := buildListNotificationsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func buildListNotificationsQuery(filter repo.NotificationFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(listNotificationsQueryPrefix)
	args := make([]any, 0, 3)
	if projectID := strings.TrimSpace(filter.ProjectID); projectID != "" {
		args = append(args, projectID)
		b.WriteString(" AND project_id = $" + strconv.Itoa(len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		b.WriteString(" AND kind = $" + strconv.Itoa(len(args)))
	}
	b.WriteString(" ORDER BY created_at ASC, notification_id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func scanNotification(scanner rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var kind, entityType string
	var dueDate sql.NullTime
	if err := scanner.Scan(
		&n.ID,
		&n.ProjectID,
		&kind,
		&entityType,
		&n.Entity.ID,
		&n.EntityName,
		&n.DedupeKey,
		&n.Message,
		&dueDate,
		&n.CreatedAt,
	); err != nil {
		return domain.Notification{}, handleNotFound(err)
	}
	n.Kind = domain.NotificationKind(kind)
	n.Entity.Type = domain.NormalizeEntityType(entityType)
	n.DueDate = timePtr(dueDate)
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}
