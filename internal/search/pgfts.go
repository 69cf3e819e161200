package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches live messages through the generated messages.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	const tsQuery = "plainto_tsquery('simple', $1)"
	where := "m.fts @@ " + tsQuery + " AND m.deleted_at IS NULL"
	args := []any{q.Text}
	if q.ChannelID != "" {
		where += " AND m.channel_id = $2"
		args = append(args, q.ChannelID)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM messages m WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.channel_id, COALESCE(m.thread_id, ''), m.author_id,
			ts_headline('simple', m.content, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			m.created_at
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(m.fts, %s) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.ThreadID, &r.AuthorID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
