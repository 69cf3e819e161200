package store

import (
	"context"
	"fmt"
	"strings"
)

// InsertNotifications writes rows in one multi-row statement. Rows whose
// (user_id, dedupe_key) already exists are skipped. Returns rows written.
func (s *PostgresStore) InsertNotifications(ctx context.Context, items []Notification) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	const cols = 8
	var builder strings.Builder
	builder.WriteString(`INSERT INTO notifications (id, user_id, title, message, type, link, metadata, dedupe_key) VALUES `)
	args := make([]any, 0, len(items)*cols)
	for i, item := range items {
		if i > 0 {
			builder.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&builder, "($%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		var metadata any
		if len(item.Metadata) > 0 {
			metadata = string(item.Metadata)
		}
		args = append(args, item.ID, item.UserID, item.Title, item.Message, item.Type, nullable(item.Link), metadata, nullable(item.DedupeKey))
	}
	builder.WriteString(` ON CONFLICT (user_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`)

	result, err := s.db.ExecContext(ctx, builder.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert notifications rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, type, COALESCE(link, ''), is_read,
			COALESCE(metadata::text, ''), COALESCE(dedupe_key, ''), created_at
		FROM notifications
		WHERE user_id=$1 AND (NOT $2::boolean OR is_read = FALSE)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, unreadOnly, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		var metadata string
		if err := rows.Scan(&item.ID, &item.UserID, &item.Title, &item.Message, &item.Type, &item.Link, &item.IsRead, &metadata, &item.DedupeKey, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if metadata != "" {
			item.Metadata = []byte(metadata)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationsRead only touches rows owned by userID.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE
		WHERE user_id=$1 AND id = ANY($2) AND is_read = FALSE
	`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read rows: %w", err)
	}
	return int(affected), nil
}
