// Package backend defines the backing-store client the session talks to:
// a durable relational store plus a change notifier. Implementations map
// driver errors onto the sentinels in pkg (ErrNotFound, ErrConflict,
// ErrPermissionDenied, ErrBackendUnavailable).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/akinalp/chatsync/models"
)

// ErrSlowConsumer ends a subscription whose delivery buffer overflowed.
var ErrSlowConsumer = errors.New("subscriber too slow")

// EventHandler receives change events for one subscription, one at a time
// in delivery order.
type EventHandler func(models.ChangeEvent)

// Subscription is a live change-feed registration. Done closes when the
// subscription ends; Err is nil after a clean Unsubscribe and the cause
// otherwise.
type Subscription interface {
	ID() string
	Done() <-chan struct{}
	Err() error
}

// Subscriber registers change-feed subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, filter models.Filter, onEvent EventHandler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// Publisher emits change events after a committed write.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Feed is a change notifier usable by a store that has none of its own.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}

// Store is everything the session needs from the backend.
type Store interface {
	Subscriber

	FetchUser(ctx context.Context, userID string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) error

	FetchChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error)
	FetchMemberIDs(ctx context.Context, channelID string) ([]string, error)
	InsertChannel(ctx context.Context, ch models.ChannelRow) (*models.Channel, error)
	InsertMembership(ctx context.Context, m models.Membership) error
	UpdateMembership(ctx context.Context, channelID, userID string, lastReadAt time.Time) error

	FetchMessages(ctx context.Context, channelID string) ([]models.Message, error)
	FetchAttachments(ctx context.Context, messageID string) ([]models.Attachment, error)
	InsertMessage(ctx context.Context, row models.MessageRow, attachments []models.AttachmentInput) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error

	InsertReaction(ctx context.Context, r models.ReactionRow) error
	DeleteReaction(ctx context.Context, r models.ReactionRow) error

	Close() error
}

// UserAdmin provisions users. Authentication is external; this exists for
// seeding and the CLI.
type UserAdmin interface {
	CreateUser(ctx context.Context, user *models.User) error
}
