package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

type sqliteMessageRepo struct {
	db database.TxQuerier
}

// NewSQLiteMessageRepo returns the repository as its interface.
func NewSQLiteMessageRepo(db database.TxQuerier) MessageRepository {
	return &sqliteMessageRepo{db: db}
}

const messageColumns = `
	m.id, COALESCE(m.client_id, ''), m.channel_id, m.author_id, m.type, m.content, m.metadata,
	m.reply_to_id, m.created_at, m.is_edited, m.is_deleted,
	u.username, u.display_name, u.avatar_url`

// Create inserts row. IDs are ULIDs so the (created_at, id) tie-break
// follows creation order within a millisecond.
func (r *sqliteMessageRepo) Create(ctx context.Context, row *models.MessageRow) error {
	if row.ID == "" {
		row.ID = ulid.Make().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Type == "" {
		row.Type = models.MessageText
	}
	meta := string(row.Metadata)
	if strings.TrimSpace(meta) == "" || meta == "null" {
		meta = "{}"
	}

	var clientID any
	if row.ClientID != "" {
		clientID = row.ClientID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, client_id, channel_id, author_id, type, content, metadata, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, clientID, row.ChannelID, row.AuthorID, row.Type, row.Content, meta,
		row.ReplyToID, database.FormatTime(row.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: message %s exists", pkg.ErrConflict, row.ID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: channel, author or reply target does not exist", pkg.ErrNotFound)
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	row.Metadata = []byte(meta)
	return nil
}

func (r *sqliteMessageRepo) GetByID(ctx context.Context, id string) (*models.MessageRow, error) {
	row, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by id: %w", err)
	}
	return row, nil
}

func (r *sqliteMessageRepo) ListByChannel(ctx context.Context, channelID string) ([]models.MessageRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.channel_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.MessageRow{}
	for rows.Next() {
		row, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// Update applies the non-nil fields of patch and returns the new row.
// A deleted message stays deleted.
func (r *sqliteMessageRepo) Update(ctx context.Context, id string, patch models.MessagePatch) (*models.MessageRow, error) {
	var (
		sets []string
		args []any
	)
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.IsEdited != nil {
		sets = append(sets, "is_edited = ?")
		args = append(args, *patch.IsEdited)
	}
	if patch.IsDeleted != nil {
		sets = append(sets, "is_deleted = MAX(is_deleted, ?)")
		args = append(args, *patch.IsDeleted)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: empty message patch", pkg.ErrValidation)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ? AND is_deleted = 0`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	return r.GetByID(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*models.MessageRow, error) {
	var (
		row       models.MessageRow
		author    models.User
		meta      string
		createdAt string
	)
	if err := s.Scan(
		&row.ID, &row.ClientID, &row.ChannelID, &row.AuthorID, &row.Type, &row.Content, &meta,
		&row.ReplyToID, &createdAt, &row.IsEdited, &row.IsDeleted,
		&author.Username, &author.DisplayName, &author.AvatarURL,
	); err != nil {
		return nil, err
	}

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	row.CreatedAt = t
	row.Metadata = []byte(meta)
	author.ID = row.AuthorID
	row.Author = &author
	return &row, nil
}
