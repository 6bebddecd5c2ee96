package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	ctx := context.Background()

	const where = `q.collaboration_id = $2 AND q.fts @@ plainto_tsquery('english', $1)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM qa_items q WHERE `+where, q.Text, q.CollaborationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT q.id, q.collaboration_id, COALESCE(q.parent_id, ''), q.author_display_name,
			ts_headline('english', q.body_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		FROM qa_items q
		WHERE %s
		ORDER BY ts_rank(q.fts, plainto_tsquery('english', $1)) DESC, q.created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()),
		q.Text, q.CollaborationID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.CollaborationID, &r.ParentID, &r.AuthorDisplayName, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, collaboration_id, COALESCE(parent_id, ''), author_display_name, body_text,
			EXTRACT(EPOCH FROM created_at)::BIGINT
		FROM qa_items
	`)
	if err != nil {
		return nil, fmt.Errorf("load qa records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CollaborationID, &r.ParentID, &r.AuthorDisplayName, &r.Body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan qa record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qa records: %w", err)
	}
	return records, nil
}
