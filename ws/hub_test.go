package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

type recorder struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (r *recorder) handle(ev models.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func messageEvent(t *testing.T, channelID, content string) models.ChangeEvent {
	t.Helper()
	ev, err := models.NewChangeEvent(models.TableMessages, models.OpInsert, models.MessageRow{
		ID: content, ChannelID: channelID, AuthorID: "u1", Content: content,
	})
	require.NoError(t, err)
	return ev
}

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	hub := NewHub(buffer, zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Shutdown)
	return hub
}

func TestHubFiltersByTableAndColumn(t *testing.T) {
	hub := newTestHub(t, 16)
	ctx := context.Background()

	var all, onlyA, reactions recorder
	_, err := hub.Subscribe(ctx, models.TableMessages, models.Filter{}, all.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, models.TableMessages, models.Filter{Column: "channel_id", Value: "A"}, onlyA.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, models.TableReactions, models.Filter{}, reactions.handle)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, messageEvent(t, "A", "1")))
	require.NoError(t, hub.Publish(ctx, messageEvent(t, "B", "2")))

	require.Eventually(t, func() bool { return all.len() == 2 && onlyA.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, reactions.len())
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := newTestHub(t, 64)
	ctx := context.Background()

	var rec recorder
	_, err := hub.Subscribe(ctx, models.TableMessages, models.Filter{}, rec.handle)
	require.NoError(t, err)

	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, hub.Publish(ctx, messageEvent(t, "A", c)))
	}
	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, c := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, c, rec.events[i].Field("content"))
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub(t, 16)
	ctx := context.Background()

	var rec recorder
	sub, err := hub.Subscribe(ctx, models.TableMessages, models.Filter{}, rec.handle)
	require.NoError(t, err)
	require.NoError(t, hub.Unsubscribe(sub))

	<-sub.Done()
	assert.NoError(t, sub.Err())
	require.NoError(t, hub.Publish(ctx, messageEvent(t, "A", "x")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.len())
	assert.Zero(t, hub.Subscriptions())
}

func TestHubDropAllEndsWithCause(t *testing.T) {
	hub := newTestHub(t, 16)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.NoError(t, err)

	cause := errors.New("upstream lost")
	hub.DropAll(cause)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}
	assert.ErrorIs(t, sub.Err(), cause)
}

func TestHubSlowConsumerIsDropped(t *testing.T) {
	hub := newTestHub(t, 1)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	sub, err := hub.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) { <-block })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, messageEvent(t, "A", "x")))
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscription not ended")
	}
	assert.ErrorIs(t, sub.Err(), backend.ErrSlowConsumer)
}

func TestHubRejectsUnknownTableAndAfterShutdown(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	go hub.Run()
	ctx := context.Background()

	_, err := hub.Subscribe(ctx, "users", models.Filter{}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrValidation)

	hub.Shutdown()
	_, err = hub.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrFeedUnavailable)
	require.ErrorIs(t, hub.Publish(ctx, messageEvent(t, "A", "x")), pkg.ErrFeedUnavailable)
}
