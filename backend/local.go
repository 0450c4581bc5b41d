package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
	"github.com/akinalp/chatsync/repository"
)

// Local is a Store over the SQLite repositories. Every committed write is
// published to feed as a change event, which is also where Subscribe goes.
type Local struct {
	db   *database.DB
	feed Feed
	log  zerolog.Logger

	users       repository.UserRepository
	channels    repository.ChannelRepository
	members     repository.MemberRepository
	messages    repository.MessageRepository
	reactions   repository.ReactionRepository
	attachments repository.AttachmentRepository
}

// NewLocal, constructor.
func NewLocal(db *database.DB, feed Feed, log zerolog.Logger) *Local {
	return &Local{
		db:          db,
		feed:        feed,
		log:         logger.Component(log, "backend").With().Str("driver", "sqlite").Logger(),
		users:       repository.NewSQLiteUserRepo(db.Conn),
		channels:    repository.NewSQLiteChannelRepo(db.Conn),
		members:     repository.NewSQLiteMemberRepo(db.Conn),
		messages:    repository.NewSQLiteMessageRepo(db.Conn),
		reactions:   repository.NewSQLiteReactionRepo(db.Conn),
		attachments: repository.NewSQLiteAttachmentRepo(db.Conn),
	}
}

// ─── Users ───

func (l *Local) CreateUser(ctx context.Context, user *models.User) error {
	return l.users.Create(ctx, user)
}

func (l *Local) FetchUser(ctx context.Context, userID string) (*models.User, error) {
	return l.users.GetByID(ctx, userID)
}

func (l *Local) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	return l.users.Search(ctx, query, limit)
}

func (l *Local) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	return l.users.UpdateDisplayName(ctx, userID, displayName)
}

// ─── Channels & memberships ───

func (l *Local) FetchChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	return l.channels.ListForUser(ctx, userID)
}

func (l *Local) FetchMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	return l.members.ListUserIDs(ctx, channelID)
}

// InsertChannel creates the channel and its owner membership in one
// transaction, then publishes both rows.
func (l *Local) InsertChannel(ctx context.Context, row models.ChannelRow) (*models.Channel, error) {
	owner := models.Membership{UserID: row.CreatedBy, Role: models.RoleOwner, LastReadAt: time.Now().UTC()}

	err := database.WithTx(ctx, l.db.Conn, func(tx *sql.Tx) error {
		if err := repository.NewSQLiteChannelRepo(tx).Create(ctx, &row); err != nil {
			return err
		}
		owner.ChannelID = row.ID
		return repository.NewSQLiteMemberRepo(tx).Add(ctx, &owner)
	})
	if err != nil {
		return nil, err
	}

	l.publish(ctx, models.TableChannels, models.OpInsert, row)
	l.publish(ctx, models.TableMembers, models.OpInsert, owner)

	return &models.Channel{
		ID:         row.ID,
		Title:      row.Title,
		AvatarURL:  row.AvatarURL,
		CreatedBy:  row.CreatedBy,
		CreatedAt:  row.CreatedAt,
		Role:       models.RoleOwner,
		IsOwner:    true,
		LastReadAt: owner.LastReadAt,
	}, nil
}

func (l *Local) InsertMembership(ctx context.Context, m models.Membership) error {
	if err := l.members.Add(ctx, &m); err != nil {
		return err
	}
	l.publish(ctx, models.TableMembers, models.OpInsert, m)
	return nil
}

func (l *Local) UpdateMembership(ctx context.Context, channelID, userID string, lastReadAt time.Time) error {
	m, err := l.members.AdvanceLastRead(ctx, channelID, userID, lastReadAt)
	if err != nil {
		return err
	}
	l.publish(ctx, models.TableMembers, models.OpUpdate, m)
	return nil
}

// ─── Messages ───

// FetchMessages loads the channel's messages with author, reactions and
// attachments joined. Rows with undecodable metadata are skipped.
func (l *Local) FetchMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	rows, err := l.messages.ListByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	reactions, err := l.reactions.GetByMessageIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	attachments, err := l.attachments.GetByMessageIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].Message()
		if err != nil {
			l.log.Warn().Err(err).Str("message_id", rows[i].ID).Msg("skipping malformed message row")
			continue
		}
		msg.Reactions = reactions[msg.ID]
		msg.Attachments = attachments[msg.ID]
		messages = append(messages, msg)
	}
	return messages, nil
}

func (l *Local) FetchAttachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	byID, err := l.attachments.GetByMessageIDs(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return byID[messageID], nil
}

// InsertMessage writes the message and its attachments atomically. The
// published row carries the attachments but not the author.
func (l *Local) InsertMessage(ctx context.Context, row models.MessageRow, inputs []models.AttachmentInput) (*models.Message, error) {
	row.ID = ""
	row.CreatedAt = time.Time{}
	row.Author = nil

	err := database.WithTx(ctx, l.db.Conn, func(tx *sql.Tx) error {
		if _, err := repository.NewSQLiteMemberRepo(tx).Get(ctx, row.ChannelID, row.AuthorID); err != nil {
			if errors.Is(err, pkg.ErrNotFound) {
				return fmt.Errorf("%w: not a member of channel %s", pkg.ErrPermissionDenied, row.ChannelID)
			}
			return err
		}
		if err := repository.NewSQLiteMessageRepo(tx).Create(ctx, &row); err != nil {
			return err
		}
		if len(inputs) > 0 {
			created, err := repository.NewSQLiteAttachmentRepo(tx).CreateBatch(ctx, row.ID, inputs)
			if err != nil {
				return err
			}
			row.Attachments = created
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.publish(ctx, models.TableMessages, models.OpInsert, row)

	stored, err := l.messages.GetByID(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	stored.Attachments = row.Attachments
	msg, err := stored.Message()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage applies patch. Edits of a deleted message report
// pkg.ErrNotFound.
func (l *Local) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error {
	updated, err := l.messages.Update(ctx, id, patch)
	if err != nil {
		return err
	}
	updated.Author = nil
	l.publish(ctx, models.TableMessages, models.OpUpdate, updated)
	return nil
}

// ─── Reactions ───

func (l *Local) InsertReaction(ctx context.Context, r models.ReactionRow) error {
	msg, err := l.messages.GetByID(ctx, r.MessageID)
	if err != nil {
		return err
	}
	if err := l.reactions.Add(ctx, r); err != nil {
		return err
	}
	r.ChannelID = msg.ChannelID
	l.publish(ctx, models.TableReactions, models.OpInsert, r)
	return nil
}

func (l *Local) DeleteReaction(ctx context.Context, r models.ReactionRow) error {
	msg, err := l.messages.GetByID(ctx, r.MessageID)
	if err != nil {
		return err
	}
	removed, err := l.reactions.Remove(ctx, r)
	if err != nil {
		return err
	}
	if removed {
		r.ChannelID = msg.ChannelID
		l.publish(ctx, models.TableReactions, models.OpDelete, r)
	}
	return nil
}

// ─── Change feed ───

func (l *Local) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent EventHandler) (Subscription, error) {
	return l.feed.Subscribe(ctx, table, filter, onEvent)
}

func (l *Local) Unsubscribe(sub Subscription) error {
	return l.feed.Unsubscribe(sub)
}

// Close closes the database. The feed is owned by the caller.
func (l *Local) Close() error {
	return l.db.Close()
}

// publish emits a change event. The write is already committed, so a
// failure only costs subscribers the event; they recover on their next
// full reload.
func (l *Local) publish(ctx context.Context, table string, op models.ChangeOp, row any) {
	ev, err := models.NewChangeEvent(table, op, row)
	if err != nil {
		l.log.Error().Err(err).Str("table", table).Msg("failed to build change event")
		return
	}
	if err := l.feed.Publish(ctx, ev); err != nil {
		l.log.Warn().Err(err).Str("table", table).Str("op", string(op)).Msg("failed to publish change event")
	}
}
