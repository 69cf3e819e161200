package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, channel_id, COALESCE(thread_id, ''), author_id, content, message_type, like_count,
	created_at, updated_at, deleted_at, COALESCE(deleted_by_id, ''), COALESCE(deletion_reason_id, ''),
	COALESCE(deletion_custom_reason, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var deletedAt sql.NullTime
	err := row.Scan(
		&item.ID, &item.ChannelID, &item.ThreadID, &item.AuthorID, &item.Content, &item.MessageType, &item.LikeCount,
		&item.CreatedAt, &item.UpdatedAt, &deletedAt, &item.DeletedByID, &item.DeletionReasonID, &item.DeletionCustomReason,
	)
	if err != nil {
		return Message{}, err
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		item.DeletedAt = &at
	}
	return item, nil
}

// InsertMessage writes the message and its mention rows in one transaction.
// A reply inherits the channel of its thread root regardless of item.ChannelID.
func (s *PostgresStore) InsertMessage(ctx context.Context, item Message, mentions []Mention) (Message, []Mention, error) {
	var inserted []Mention
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if item.ThreadID != "" {
			var rootChannelID, rootThreadID string
			err := tx.QueryRowContext(ctx, `
				SELECT channel_id, COALESCE(thread_id, '')
				FROM messages
				WHERE id=$1 AND deleted_at IS NULL
				FOR SHARE
			`, item.ThreadID).Scan(&rootChannelID, &rootThreadID)
			if err != nil {
				return err
			}
			if rootThreadID != "" {
				return ErrNestedThread
			}
			item.ChannelID = rootChannelID
			item.MessageType = MessageTypeThreadReply
		} else {
			item.MessageType = MessageTypeChannel
		}

		var channelID string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE id=$1 AND deleted_at IS NULL FOR SHARE`, item.ChannelID).Scan(&channelID); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, channel_id, thread_id, author_id, content, message_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING like_count, created_at, updated_at
		`, item.ID, item.ChannelID, nullable(item.ThreadID), item.AuthorID, item.Content, item.MessageType).Scan(&item.LikeCount, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return wrapWrite("insert message", err)
		}

		inserted, err = insertMentions(ctx, tx, item.ID, mentions)
		return err
	})
	if err != nil {
		return Message{}, nil, err
	}
	return item, inserted, nil
}

// UpdateMessageContent rewrites a live message and adds any mentions it did
// not already carry. Only the newly added mentions are returned.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string, mentions []Mention) (Message, []Mention, error) {
	var item Message
	var inserted []Mention
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = scanMessage(tx.QueryRowContext(ctx, `
			UPDATE messages
			SET content=$2, updated_at=NOW()
			WHERE id=$1 AND deleted_at IS NULL
			RETURNING `+messageColumns, messageID, content))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("update message: %w", err)
		}
		inserted, err = insertMentions(ctx, tx, messageID, mentions)
		return err
	})
	if err != nil {
		return Message{}, nil, err
	}
	return item, inserted, nil
}

func insertMentions(ctx context.Context, tx *sql.Tx, messageID string, mentions []Mention) ([]Mention, error) {
	inserted := make([]Mention, 0, len(mentions))
	for _, mention := range mentions {
		mention.MessageID = messageID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO mentions (id, message_id, mentioned_user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, mentioned_user_id) DO NOTHING
			RETURNING created_at
		`, mention.ID, messageID, mention.MentionedUserID).Scan(&mention.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert mention %s: %w", mention.MentionedUserID, err)
		}
		inserted = append(inserted, mention)
	}
	return inserted, nil
}

// GetMessage returns the row even when it is soft-deleted.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID))
}

// ListRootMessages returns live root messages oldest first. A positive limit
// keeps the most recent limit rows.
func (s *PostgresStore) ListRootMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, "list root messages", `
		SELECT `+messageColumns+`
		FROM (
			SELECT * FROM messages
			WHERE channel_id=$1 AND thread_id IS NULL AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) messages
		ORDER BY created_at ASC, id ASC
	`, channelID, limitArg(limit))
}

func (s *PostgresStore) ListThreadReplies(ctx context.Context, rootID string) ([]Message, error) {
	return s.queryMessages(ctx, "list thread replies", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id=$1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, rootID)
}

// ListRecentRoots returns live root messages across all live channels, newest first.
func (s *PostgresStore) ListRecentRoots(ctx context.Context, limit int) ([]Message, error) {
	return s.queryMessages(ctx, "list recent roots", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id IS NULL AND deleted_at IS NULL
		  AND channel_id IN (SELECT id FROM channels WHERE deleted_at IS NULL)
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitArg(limit))
}

// ListLiveMessagesAfter pages through every live message by id.
func (s *PostgresStore) ListLiveMessagesAfter(ctx context.Context, afterID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, "list live messages", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE deleted_at IS NULL AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limitArg(limit))
}

func (s *PostgresStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return items, nil
}

// CountThreadReplies returns live reply counts keyed by root id. Roots without
// replies are absent from the map.
func (s *PostgresStore) CountThreadReplies(ctx context.Context, rootIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(rootIDs))
	if len(rootIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, COUNT(*)::int
		FROM messages
		WHERE thread_id = ANY($1) AND deleted_at IS NULL
		GROUP BY thread_id
	`, rootIDs)
	if err != nil {
		return nil, fmt.Errorf("count thread replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rootID string
		var count int
		if err := rows.Scan(&rootID, &count); err != nil {
			return nil, fmt.Errorf("scan thread reply count: %w", err)
		}
		counts[rootID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread reply counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) ListMentions(ctx context.Context, messageIDs []string) ([]Mention, error) {
	if len(messageIDs) == 0 {
		return []Mention{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, mentioned_user_id, created_at
		FROM mentions
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	items := make([]Mention, 0)
	for rows.Next() {
		var item Mention
		if err := rows.Scan(&item.ID, &item.MessageID, &item.MentionedUserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mentions: %w", err)
	}
	return items, nil
}

// SoftDeleteMessage marks a live message deleted and, when requested, appends
// the moderation log entry in the same transaction.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, deletion MessageDeletion) (Message, *ContentActionLogEntry, error) {
	var item Message
	var entry *ContentActionLogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = scanMessage(tx.QueryRowContext(ctx, `
			UPDATE messages
			SET deleted_at=NOW(), deleted_by_id=$2, deletion_reason_id=$3, deletion_custom_reason=$4, updated_at=NOW()
			WHERE id=$1 AND deleted_at IS NULL
			RETURNING `+messageColumns,
			deletion.MessageID, deletion.DeletedByID, nullable(deletion.ReasonID), nullable(deletion.CustomReason)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("soft delete message: %w", err)
		}
		if deletion.Log == nil {
			return nil
		}
		logged, err := insertActionLog(ctx, tx, *deletion.Log)
		if err != nil {
			return err
		}
		entry = &logged
		return nil
	})
	if err != nil {
		return Message{}, nil, err
	}
	return item, entry, nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
