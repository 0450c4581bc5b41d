package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
)

type sqliteAttachmentRepo struct {
	db database.TxQuerier
}

// NewSQLiteAttachmentRepo returns the repository as its interface.
func NewSQLiteAttachmentRepo(db database.TxQuerier) AttachmentRepository {
	return &sqliteAttachmentRepo{db: db}
}

// CreateBatch writes inputs in order. Call it inside the transaction that
// inserts the message.
func (r *sqliteAttachmentRepo) CreateBatch(ctx context.Context, messageID string, inputs []models.AttachmentInput) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(inputs))
	for i, in := range inputs {
		a := models.Attachment{
			ID:        uuid.NewString(),
			MessageID: messageID,
			URL:       in.URL,
			MimeType:  in.MimeType,
			Filename:  in.Filename,
		}
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO message_attachments (id, message_id, url, mime_type, filename, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.URL, a.MimeType, a.Filename, i,
		); err != nil {
			return nil, fmt.Errorf("failed to create attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// GetByMessageIDs batch-loads attachments for many messages.
func (r *sqliteAttachmentRepo) GetByMessageIDs(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error) {
	result := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return result, nil
	}

	marks, args := placeholders(messageIDs)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, url, mime_type, filename
		FROM message_attachments
		WHERE message_id IN (`+marks+`)
		ORDER BY message_id, position ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments by message ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.MimeType, &a.Filename); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		result[a.MessageID] = append(result[a.MessageID], a)
	}
	return result, rows.Err()
}
