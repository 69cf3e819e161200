package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ToggleReaction removes the (message, user, emoji) row when present and
// inserts it otherwise. The existence check runs inside the same transaction
// as the write, so a racing toggle either sees the row or loses the insert on
// the unique key and gets ErrConflict. like_count is recomputed on every call.
func (s *PostgresStore) ToggleReaction(ctx context.Context, item Reaction) (ReactionToggle, error) {
	var result ReactionToggle
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT author_id FROM messages
			WHERE id=$1 AND deleted_at IS NULL
			FOR SHARE
		`, item.MessageID).Scan(&result.MessageAuthorID); err != nil {
			return err
		}

		var removedID string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM message_reactions
			WHERE message_id=$1 AND user_id=$2 AND emoji_code=$3
			RETURNING id
		`, item.MessageID, item.UserID, item.EmojiCode).Scan(&removedID)
		switch {
		case err == nil:
			result.Action = ReactionRemoved
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO message_reactions (id, message_id, user_id, emoji_code)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (message_id, user_id, emoji_code) DO NOTHING
				RETURNING created_at
			`, item.ID, item.MessageID, item.UserID, item.EmojiCode).Scan(&item.CreatedAt)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("insert reaction: %w", ErrConflict)
			}
			if err != nil {
				return wrapWrite("insert reaction", err)
			}
			added := item
			result.Action = ReactionAdded
			result.Reaction = &added
		default:
			return fmt.Errorf("delete reaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET like_count=(SELECT COUNT(*) FROM message_reactions WHERE message_id=$1)
			WHERE id=$1
		`, item.MessageID); err != nil {
			return fmt.Errorf("recount reactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReactionToggle{}, err
	}
	return result, nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []string) ([]Reaction, error) {
	if len(messageIDs) == 0 {
		return []Reaction{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, emoji_code, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ID, &item.MessageID, &item.UserID, &item.EmojiCode, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}
