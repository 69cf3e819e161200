package store

import (
	"context"
	"fmt"
	"strings"
)

// UpsertUser mirrors an identity from the auth service into users.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	var out User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, display_name, email, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username=EXCLUDED.username,
			display_name=EXCLUDED.display_name,
			email=CASE WHEN EXCLUDED.email = '' THEN users.email ELSE EXCLUDED.email END,
			role=EXCLUDED.role,
			updated_at=NOW()
		RETURNING id, username, display_name, email, role, created_at, updated_at
	`, user.ID, user.Username, user.DisplayName, user.Email, user.Role).Scan(
		&out.ID, &out.Username, &out.DisplayName, &out.Email, &out.Role, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return User{}, wrapWrite("upsert user", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, email, role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	return s.queryUsers(ctx, "list users by id", `
		SELECT id, username, display_name, email, role, created_at, updated_at
		FROM users WHERE id = ANY($1)
	`, userIDs)
}

// FindUsersByHandles matches handles case-insensitively against username or
// display name. Callers decide precedence between the two.
func (s *PostgresStore) FindUsersByHandles(ctx context.Context, handles []string) ([]User, error) {
	if len(handles) == 0 {
		return []User{}, nil
	}
	lowered := make([]string, 0, len(handles))
	for _, handle := range handles {
		lowered = append(lowered, strings.ToLower(handle))
	}
	return s.queryUsers(ctx, "find users by handle", `
		SELECT id, username, display_name, email, role, created_at, updated_at
		FROM users
		WHERE LOWER(username) = ANY($1) OR LOWER(display_name) = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, lowered)
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) queryUsers(ctx context.Context, op, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return users, nil
}
