package store

import (
	"context"
	"database/sql"
	"fmt"
)

const actionLogColumns = `id, action_type, content_type, content_id, COALESCE(content_title, ''),
	COALESCE(content_author_id, ''), performed_by_id, COALESCE(deletion_reason_id, ''),
	COALESCE(custom_reason, ''), COALESCE(admin_notes, ''), COALESCE(evidence_key, ''),
	is_notification_sent, created_at`

func scanActionLog(row rowScanner) (ContentActionLogEntry, error) {
	var entry ContentActionLogEntry
	err := row.Scan(&entry.ID, &entry.ActionType, &entry.ContentType, &entry.ContentID, &entry.ContentTitle,
		&entry.ContentAuthorID, &entry.PerformedByID, &entry.DeletionReasonID, &entry.CustomReason,
		&entry.AdminNotes, &entry.EvidenceKey, &entry.IsNotificationSent, &entry.CreatedAt)
	return entry, err
}

// ListDeletionReasons returns active reasons. The reserved self-delete reason
// is only included when includeReserved is set.
func (s *PostgresStore) ListDeletionReasons(ctx context.Context, includeReserved bool) ([]DeletionReason, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), severity, is_active
		FROM deletion_reasons
		WHERE is_active AND ($1::boolean OR id <> $2)
		ORDER BY sort_order ASC, id ASC
	`, includeReserved, SelfDeleteReasonID)
	if err != nil {
		return nil, fmt.Errorf("list deletion reasons: %w", err)
	}
	defer rows.Close()

	items := make([]DeletionReason, 0)
	for rows.Next() {
		var item DeletionReason
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Severity, &item.IsActive); err != nil {
			return nil, fmt.Errorf("scan deletion reason: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deletion reasons: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDeletionReason(ctx context.Context, reasonID string) (DeletionReason, error) {
	var item DeletionReason
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), severity, is_active
		FROM deletion_reasons WHERE id=$1
	`, reasonID).Scan(&item.ID, &item.Name, &item.Description, &item.Severity, &item.IsActive)
	if err != nil {
		return DeletionReason{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertActionLog(ctx context.Context, entry ContentActionLogEntry) (ContentActionLogEntry, error) {
	var out ContentActionLogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = insertActionLog(ctx, tx, entry)
		return err
	})
	return out, err
}

func insertActionLog(ctx context.Context, tx *sql.Tx, entry ContentActionLogEntry) (ContentActionLogEntry, error) {
	out, err := scanActionLog(tx.QueryRowContext(ctx, `
		INSERT INTO content_action_log (
			id, action_type, content_type, content_id, content_title, content_author_id,
			performed_by_id, deletion_reason_id, custom_reason, admin_notes, evidence_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+actionLogColumns,
		entry.ID, entry.ActionType, entry.ContentType, entry.ContentID, nullable(entry.ContentTitle),
		nullable(entry.ContentAuthorID), entry.PerformedByID, nullable(entry.DeletionReasonID),
		nullable(entry.CustomReason), nullable(entry.AdminNotes), nullable(entry.EvidenceKey)))
	if err != nil {
		return ContentActionLogEntry{}, wrapWrite("insert action log", err)
	}
	return out, nil
}

// MarkActionNotificationSent is the one mutation the immutability trigger permits.
func (s *PostgresStore) MarkActionNotificationSent(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_action_log SET is_notification_sent=TRUE
		WHERE id=$1 AND is_notification_sent = FALSE
	`, entryID)
	if err != nil {
		return fmt.Errorf("mark action notification sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActionLog(ctx context.Context, contentType string, limit int) ([]ContentActionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionLogColumns+`
		FROM content_action_log
		WHERE ($1 = '' OR content_type = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, contentType, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	items := make([]ContentActionLogEntry, 0)
	for rows.Next() {
		entry, err := scanActionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action log: %w", err)
	}
	return items, nil
}
