package backend

import (
	"context"

	"github.com/akinalp/chatsync/models"
)

// withFeed overrides a store's change notifier.
type withFeed struct {
	Store
	feed Subscriber
}

// WithFeed returns store with Subscribe and Unsubscribe served by feed.
// Used when the session reads a local database but receives changes from
// a relay or redis.
func WithFeed(store Store, feed Subscriber) Store {
	return &withFeed{Store: store, feed: feed}
}

func (w *withFeed) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent EventHandler) (Subscription, error) {
	return w.feed.Subscribe(ctx, table, filter, onEvent)
}

func (w *withFeed) Unsubscribe(sub Subscription) error {
	return w.feed.Unsubscribe(sub)
}
