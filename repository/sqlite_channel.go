package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

type sqliteChannelRepo struct {
	db database.TxQuerier
}

// NewSQLiteChannelRepo returns the repository as its interface.
func NewSQLiteChannelRepo(db database.TxQuerier) ChannelRepository {
	return &sqliteChannelRepo{db: db}
}

func (r *sqliteChannelRepo) Create(ctx context.Context, ch *models.ChannelRow) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, title, avatar_url, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.Title, ch.AvatarURL, ch.CreatedBy, database.FormatTime(ch.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: channel title %q", pkg.ErrConflict, ch.Title)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: unknown creator %s", pkg.ErrNotFound, ch.CreatedBy)
		}
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (r *sqliteChannelRepo) GetByID(ctx context.Context, id string) (*models.ChannelRow, error) {
	ch := &models.ChannelRow{}
	var createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, avatar_url, created_by, created_at
		FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.Title, &ch.AvatarURL, &ch.CreatedBy, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by id: %w", err)
	}
	if ch.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return ch, nil
}

// ListForUser computes the viewer's directory.
//
// unread_count = messages in the channel created after the viewer's
// last_read_at. Channels are ordered by latest activity, newest first.
func (r *sqliteChannelRepo) ListForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.avatar_url, c.created_by, c.created_at,
		       cm.role, cm.last_read_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.channel_id = c.id AND m.created_at > cm.last_read_at) AS unread_count,
		       last.content, last.created_at
		FROM channel_members cm
		JOIN channels c ON c.id = cm.channel_id
		LEFT JOIN messages last ON last.id = (
			SELECT m.id FROM messages m
			WHERE m.channel_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		)
		WHERE cm.user_id = ?
		ORDER BY COALESCE(last.created_at, c.created_at) DESC, c.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels for user: %w", err)
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		var (
			ch                   models.Channel
			createdAt, lastRead  string
			preview, lastMessage sql.NullString
		)
		if err := rows.Scan(
			&ch.ID, &ch.Title, &ch.AvatarURL, &ch.CreatedBy, &createdAt,
			&ch.Role, &lastRead, &ch.UnreadCount, &preview, &lastMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}

		if ch.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if ch.LastReadAt, err = database.ParseTime(lastRead); err != nil {
			return nil, err
		}
		if lastMessage.Valid {
			at, err := database.ParseTime(lastMessage.String)
			if err != nil {
				return nil, err
			}
			p := models.Preview(preview.String)
			ch.LastMessageAt = &at
			ch.LastMessagePreview = &p
		}
		ch.IsOwner = ch.Role == models.RoleOwner
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channels: %w", err)
	}
	return channels, nil
}
