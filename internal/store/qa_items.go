package store

import (
	"context"
	"database/sql"
	"fmt"
)

const qaItemColumns = `id, collaboration_id, parent_id, author_id, author_display_name, is_organizer,
	body_html, body_text, attachment_key, attachment_name, attachment_content_type, attachment_size,
	created_at, updated_at`

func scanQAItem(row interface{ Scan(...any) error }) (QAItem, error) {
	var (
		item                   QAItem
		parentID               sql.NullString
		key, name, contentType sql.NullString
		size                   sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.CollaborationID, &parentID, &item.AuthorID, &item.AuthorDisplayName, &item.IsOrganizer,
		&item.BodyHTML, &item.BodyText, &key, &name, &contentType, &size,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return QAItem{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if key.Valid && key.String != "" {
		item.Attachment = &StoredAttachment{
			Key:         key.String,
			Name:        name.String,
			ContentType: contentType.String,
			Size:        size.Int64,
		}
	}
	return item, nil
}

// ListQAItems returns every question and reply of a collaboration as flat
// rows, oldest first.
func (s *PostgresStore) ListQAItems(ctx context.Context, collaborationID string) ([]QAItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qaItemColumns+`
		FROM qa_items
		WHERE collaboration_id = $1
		ORDER BY created_at ASC, id ASC
	`, collaborationID)
	if err != nil {
		return nil, fmt.Errorf("list qa items: %w", err)
	}
	defer rows.Close()

	items := make([]QAItem, 0)
	for rows.Next() {
		item, err := scanQAItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan qa item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qa items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetQAItem(ctx context.Context, id string) (QAItem, error) {
	return scanQAItem(s.db.QueryRowContext(ctx, `SELECT `+qaItemColumns+` FROM qa_items WHERE id=$1`, id))
}

func (s *PostgresStore) InsertQAItem(ctx context.Context, item QAItem) (QAItem, error) {
	key, name, contentType, size := attachmentArgs(item.Attachment)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO qa_items (
			id, collaboration_id, parent_id, author_id, author_display_name, is_organizer,
			body_html, body_text, attachment_key, attachment_name, attachment_content_type, attachment_size
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+qaItemColumns,
		item.ID, item.CollaborationID, item.ParentID, item.AuthorID, item.AuthorDisplayName, item.IsOrganizer,
		item.BodyHTML, item.BodyText, key, name, contentType, size,
	)
	saved, err := scanQAItem(row)
	if err != nil {
		return QAItem{}, fmt.Errorf("insert qa item: %w", err)
	}
	return saved, nil
}

// UpdateQAItem replaces the body and attachment of an existing item. Author,
// parent and creation time never change.
func (s *PostgresStore) UpdateQAItem(ctx context.Context, item QAItem) (QAItem, error) {
	key, name, contentType, size := attachmentArgs(item.Attachment)
	row := s.db.QueryRowContext(ctx, `
		UPDATE qa_items
		SET body_html=$2, body_text=$3, attachment_key=$4, attachment_name=$5,
			attachment_content_type=$6, attachment_size=$7, updated_at=NOW()
		WHERE id=$1
		RETURNING `+qaItemColumns,
		item.ID, item.BodyHTML, item.BodyText, key, name, contentType, size,
	)
	saved, err := scanQAItem(row)
	if err != nil {
		return QAItem{}, fmt.Errorf("update qa item: %w", err)
	}
	return saved, nil
}

// DeleteQAItemTree removes an item together with every reply beneath it and
// reports what was removed so attachments can be cleaned up.
func (s *PostgresStore) DeleteQAItemTree(ctx context.Context, id string) ([]DeletedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM qa_items WHERE id = $1
			UNION ALL
			SELECT q.id FROM qa_items q JOIN subtree st ON q.parent_id = st.id
		)
		DELETE FROM qa_items
		WHERE id IN (SELECT id FROM subtree)
		RETURNING id, COALESCE(attachment_key, '')
	`, id)
	if err != nil {
		return nil, fmt.Errorf("delete qa subtree: %w", err)
	}
	defer rows.Close()

	var deleted []DeletedItem
	for rows.Next() {
		var d DeletedItem
		if err := rows.Scan(&d.ID, &d.AttachmentKey); err != nil {
			return nil, fmt.Errorf("scan deleted qa item: %w", err)
		}
		deleted = append(deleted, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted qa items: %w", err)
	}
	if len(deleted) == 0 {
		return nil, sql.ErrNoRows
	}
	return deleted, nil
}

func attachmentArgs(a *StoredAttachment) (key, name, contentType any, size any) {
	if a == nil {
		return nil, nil, nil, nil
	}
	return a.Key, a.Name, a.ContentType, a.Size
}
