package store

import (
	"context"
	"database/sql"
	"fmt"
)

const channelColumns = `c.id, c.category_id, c.name, COALESCE(c.description, ''), c.sort_order, c.created_by_id, c.created_at, c.updated_at`

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), color, sort_order, created_at, updated_at
		FROM categories
		WHERE deleted_at IS NULL
		ORDER BY sort_order ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Color, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), color, sort_order, created_at, updated_at
		FROM categories
		WHERE id=$1 AND deleted_at IS NULL
	`, categoryID).Scan(&item.ID, &item.Name, &item.Description, &item.Color, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Category{}, err
	}
	return item, nil
}

// InsertCategory places the category after every live one.
func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) (Category, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, name, description, color, sort_order)
		SELECT $1, $2, $3, $4, COALESCE(MAX(sort_order), 0) + 1
		FROM categories WHERE deleted_at IS NULL
		RETURNING sort_order, created_at, updated_at
	`, item.ID, item.Name, nullable(item.Description), item.Color).Scan(&item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Category{}, wrapWrite("insert category", err)
	}
	return item, nil
}

// DeleteCategory soft-deletes a category that owns no live channels.
func (s *PostgresStore) DeleteCategory(ctx context.Context, categoryID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, categoryID).Scan(&id); err != nil {
			return err
		}
		var children int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE category_id=$1 AND deleted_at IS NULL`, categoryID).Scan(&children); err != nil {
			return fmt.Errorf("count category channels: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("delete category %s owns %d channels: %w", categoryID, children, ErrNotEmpty)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE categories SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1`, categoryID); err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		return nil
	})
}

// ListChannels returns live channels with their live root and reply message count.
func (s *PostgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`, COALESCE(m.message_count, 0)
		FROM channels c
		JOIN categories cat ON cat.id = c.category_id AND cat.deleted_at IS NULL
		LEFT JOIN (
			SELECT channel_id, COUNT(*)::int AS message_count
			FROM messages
			WHERE deleted_at IS NULL
			GROUP BY channel_id
		) m ON m.channel_id = c.id
		WHERE c.deleted_at IS NULL
		ORDER BY c.category_id ASC, c.sort_order ASC, c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var item Channel
		if err := rows.Scan(&item.ID, &item.CategoryID, &item.Name, &item.Description, &item.SortOrder, &item.CreatedByID, &item.CreatedAt, &item.UpdatedAt, &item.MessageCount); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var item Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM channels c
		WHERE c.id=$1 AND c.deleted_at IS NULL
	`, channelID).Scan(&item.ID, &item.CategoryID, &item.Name, &item.Description, &item.SortOrder, &item.CreatedByID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Channel{}, err
	}
	return item, nil
}

// InsertChannel holds a share lock on the category so a concurrent category
// delete cannot slip between the existence check and the insert.
func (s *PostgresStore) InsertChannel(ctx context.Context, item Channel) (Channel, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var categoryID string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE id=$1 AND deleted_at IS NULL FOR SHARE`, item.CategoryID).Scan(&categoryID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO channels (id, category_id, name, description, sort_order, created_by_id)
			SELECT $1, $2, $3, $4, COALESCE(MAX(sort_order), 0) + 1, $5
			FROM channels WHERE category_id=$2 AND deleted_at IS NULL
			RETURNING sort_order, created_at, updated_at
		`, item.ID, item.CategoryID, item.Name, nullable(item.Description), item.CreatedByID).Scan(&item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return wrapWrite("insert channel", err)
		}
		return nil
	})
	if err != nil {
		return Channel{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID, name, description string) (Channel, error) {
	var item Channel
	err := s.db.QueryRowContext(ctx, `
		UPDATE channels c
		SET name=$2, description=$3, updated_at=NOW()
		WHERE c.id=$1 AND c.deleted_at IS NULL
		RETURNING `+channelColumns+`
	`, channelID, name, nullable(description)).Scan(&item.ID, &item.CategoryID, &item.Name, &item.Description, &item.SortOrder, &item.CreatedByID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Channel{}, wrapWrite("update channel", err)
	}
	return item, nil
}

// DeleteChannel soft-deletes a channel that owns no live messages.
func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, channelID).Scan(&id); err != nil {
			return err
		}
		var children int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id=$1 AND deleted_at IS NULL`, channelID).Scan(&children); err != nil {
			return fmt.Errorf("count channel messages: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("delete channel %s owns %d messages: %w", channelID, children, ErrNotEmpty)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1`, channelID); err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		return nil
	})
}
