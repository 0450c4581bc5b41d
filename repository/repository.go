// Package repository holds the SQLite data access layer behind the local
// backend. Each table has an interface plus an unexported sqlite
// implementation; constructors take database.TxQuerier so the same repo
// works on the pool or inside database.WithTx.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/akinalp/chatsync/models"
)

// UserRepository reads and updates users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) error
}

// ChannelRepository stores channels. ListForUser returns directory entries
// with the viewer's role, cursor, unread count and last-message preview.
type ChannelRepository interface {
	Create(ctx context.Context, ch *models.ChannelRow) error
	GetByID(ctx context.Context, id string) (*models.ChannelRow, error)
	ListForUser(ctx context.Context, userID string) ([]models.Channel, error)
}

// MemberRepository stores memberships. AdvanceLastRead never moves the
// cursor backwards.
type MemberRepository interface {
	Add(ctx context.Context, m *models.Membership) error
	Get(ctx context.Context, channelID, userID string) (*models.Membership, error)
	ListUserIDs(ctx context.Context, channelID string) ([]string, error)
	AdvanceLastRead(ctx context.Context, channelID, userID string, at time.Time) (*models.Membership, error)
}

// MessageRepository stores messages. Create assigns ID and CreatedAt when
// empty; ListByChannel returns rows ordered by (created_at, id) with the
// author joined.
type MessageRepository interface {
	Create(ctx context.Context, row *models.MessageRow) error
	GetByID(ctx context.Context, id string) (*models.MessageRow, error)
	ListByChannel(ctx context.Context, channelID string) ([]models.MessageRow, error)
	Update(ctx context.Context, id string, patch models.MessagePatch) (*models.MessageRow, error)
}

// ReactionRepository stores reaction tuples. Add reports pkg.ErrConflict
// when the tuple exists; Remove reports whether a row was deleted.
type ReactionRepository interface {
	Add(ctx context.Context, r models.ReactionRow) error
	Remove(ctx context.Context, r models.ReactionRow) (bool, error)
	GetByMessageIDs(ctx context.Context, messageIDs []string) (map[string][]models.ReactionGroup, error)
}

// AttachmentRepository stores attachments, immutable once written.
type AttachmentRepository interface {
	CreateBatch(ctx context.Context, messageID string, inputs []models.AttachmentInput) ([]models.Attachment, error)
	GetByMessageIDs(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error)
}

// placeholders builds "?, ?, ?" and the matching args for an IN clause.
func placeholders(ids []string) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ","), args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
