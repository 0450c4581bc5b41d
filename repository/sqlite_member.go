package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

type sqliteMemberRepo struct {
	db database.TxQuerier
}

// NewSQLiteMemberRepo returns the repository as its interface.
func NewSQLiteMemberRepo(db database.TxQuerier) MemberRepository {
	return &sqliteMemberRepo{db: db}
}

func (r *sqliteMemberRepo) Add(ctx context.Context, m *models.Membership) error {
	if m.LastReadAt.IsZero() {
		m.LastReadAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role, last_read_at)
		VALUES (?, ?, ?, ?)`,
		m.ChannelID, m.UserID, m.Role, database.FormatTime(m.LastReadAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s is already a member of %s", pkg.ErrConflict, m.UserID, m.ChannelID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: channel or user does not exist", pkg.ErrNotFound)
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (r *sqliteMemberRepo) Get(ctx context.Context, channelID, userID string) (*models.Membership, error) {
	m := &models.Membership{}
	var lastRead string
	err := r.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, role, last_read_at
		FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID,
	).Scan(&m.ChannelID, &m.UserID, &m.Role, &lastRead)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: membership %s/%s", pkg.ErrNotFound, channelID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	if m.LastReadAt, err = database.ParseTime(lastRead); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *sqliteMemberRepo) ListUserIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceLastRead moves the cursor to max(current, at). The fixed-width
// timestamp layout makes MAX on TEXT chronological.
func (r *sqliteMemberRepo) AdvanceLastRead(ctx context.Context, channelID, userID string, at time.Time) (*models.Membership, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE channel_members
		SET last_read_at = MAX(last_read_at, ?)
		WHERE channel_id = ? AND user_id = ?`,
		database.FormatTime(at), channelID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update read cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: membership %s/%s", pkg.ErrNotFound, channelID, userID)
	}
	return r.Get(ctx, channelID, userID)
}
