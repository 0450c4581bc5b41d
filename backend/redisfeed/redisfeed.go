// Package redisfeed carries change events between processes over a redis
// pub/sub channel. Each process publishes its committed writes to redis
// and re-publishes everything it receives into a local ws.Hub, which its
// sessions subscribe to.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
	"github.com/akinalp/chatsync/ws"
)

const (
	retryMin = 200 * time.Millisecond
	retryMax = 10 * time.Second
)

// Feed is a backend.Feed backed by redis pub/sub.
type Feed struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	hub     *ws.Hub
	log     zerolog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ backend.Feed = (*Feed)(nil)

// New connects to redisURL, subscribes to channel and starts relaying
// received events into hub.
func New(ctx context.Context, redisURL, channel string, hub *ws.Hub, log zerolog.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", pkg.ErrValidation, err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", pkg.ErrFeedUnavailable, err)
	}

	pubsub := client.Subscribe(ctx, channel)
	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("%w: redis subscribe: %v", pkg.ErrFeedUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		hub:     hub,
		log:     logger.Component(log, "redisfeed"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go f.receiveLoop(loopCtx)

	f.log.Info().Str("channel", channel).Msg("redis change feed ready")
	return f, nil
}

// Publish sends ev to every process on the channel, this one included.
func (f *Feed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", pkg.ErrFeedUnavailable, err)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent backend.EventHandler) (backend.Subscription, error) {
	return f.hub.Subscribe(ctx, table, filter, onEvent)
}

func (f *Feed) Unsubscribe(sub backend.Subscription) error {
	return f.hub.Unsubscribe(sub)
}

// Close stops the receive loop and ends local subscriptions.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.pubsub.Close()
		<-f.done
		if cerr := f.client.Close(); err == nil {
			err = cerr
		}
		f.hub.DropAll(pkg.ErrClosed)
	})
	return err
}

// receiveLoop relays redis messages into the hub.
//
// A receive error or a repeated subscription confirmation means the
// connection was re-established and messages may have been missed, so
// every local subscription is dropped and subscribers reload.
func (f *Feed) receiveLoop(ctx context.Context) {
	defer close(f.done)

	backoff := retryMin
	for {
		msg, err := f.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn().Err(err).Dur("retry_in", backoff).Msg("redis receive failed")
			f.hub.DropAll(fmt.Errorf("%w: redis: %v", pkg.ErrFeedUnavailable, err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, retryMax)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			backoff = retryMin
			f.handleMessage(ctx, m.Payload)
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				f.log.Info().Str("channel", m.Channel).Msg("redis subscription restored")
				f.hub.DropAll(fmt.Errorf("%w: redis resubscribed", pkg.ErrFeedUnavailable))
			}
		case *redis.Pong:
		}
	}
}

func (f *Feed) handleMessage(ctx context.Context, payload string) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		f.log.Warn().Err(err).Msg("dropping malformed change event")
		return
	}
	if err := f.hub.Publish(ctx, ev); err != nil {
		f.log.Debug().Err(err).Str("table", ev.Table).Msg("hub rejected change event")
	}
}
