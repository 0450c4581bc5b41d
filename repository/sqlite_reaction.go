package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

type sqliteReactionRepo struct {
	db database.TxQuerier
}

// NewSQLiteReactionRepo returns the repository as its interface.
func NewSQLiteReactionRepo(db database.TxQuerier) ReactionRepository {
	return &sqliteReactionRepo{db: db}
}

// Add inserts the tuple with INSERT OR IGNORE; zero rows affected means
// the primary key already holds it.
func (r *sqliteReactionRepo) Add(ctx context.Context, rr models.ReactionRow) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)`,
		rr.MessageID, rr.UserID, rr.Emoji, database.FormatTime(time.Now()),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: message %s", pkg.ErrNotFound, rr.MessageID)
		}
		return fmt.Errorf("add reaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("add reaction rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: reaction exists", pkg.ErrConflict)
	}
	return nil
}

func (r *sqliteReactionRepo) Remove(ctx context.Context, rr models.ReactionRow) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		rr.MessageID, rr.UserID, rr.Emoji,
	)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByMessageIDs groups reactions per message and emoji in one query.
// Groups are ordered by their first reaction, users by reaction time.
// Messages without reactions are absent from the map.
func (r *sqliteReactionRepo) GetByMessageIDs(ctx context.Context, messageIDs []string) (map[string][]models.ReactionGroup, error) {
	result := make(map[string][]models.ReactionGroup)
	if len(messageIDs) == 0 {
		return result, nil
	}

	marks, args := placeholders(messageIDs)
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, emoji, user_id
		FROM message_reactions
		WHERE message_id IN (`+marks+`)
		ORDER BY message_id, created_at ASC, user_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("get reactions by message ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}

		groups := result[messageID]
		idx := -1
		for i := range groups {
			if groups[i].Emoji == emoji {
				idx = i
				break
			}
		}
		if idx < 0 {
			groups = append(groups, models.ReactionGroup{Emoji: emoji})
			idx = len(groups) - 1
		}
		groups[idx].Users = append(groups[idx].Users, userID)
		groups[idx].Count = len(groups[idx].Users)
		result[messageID] = groups
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction rows: %w", err)
	}
	return result, nil
}
