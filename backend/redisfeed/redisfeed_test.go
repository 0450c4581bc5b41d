package redisfeed

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/ws"
)

func newHub(t *testing.T) *ws.Hub {
	t.Helper()
	hub := ws.NewHub(16, zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Shutdown)
	return hub
}

func TestHandleMessageRepublishesIntoHub(t *testing.T) {
	hub := newHub(t)
	f := &Feed{hub: hub, log: zerolog.Nop()}

	var got atomic.Int32
	_, err := hub.Subscribe(context.Background(), models.TableChannels, models.Filter{}, func(models.ChangeEvent) { got.Add(1) })
	require.NoError(t, err)

	ev, err := models.NewChangeEvent(models.TableChannels, models.OpInsert, models.ChannelRow{ID: "c1", Title: "general"})
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	f.handleMessage(context.Background(), "{not json")
	f.handleMessage(context.Background(), string(raw))

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// TestRoundTripThroughRedis needs a live server: CHATSYNC_TEST_REDIS_URL=redis://localhost:6379/0
func TestRoundTripThroughRedis(t *testing.T) {
	url := os.Getenv("CHATSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHATSYNC_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "chatsync:test:" + t.Name()
	pubHub, subHub := newHub(t), newHub(t)
	pub, err := New(ctx, url, channel, pubHub, zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()
	sub, err := New(ctx, url, channel, subHub, zerolog.Nop())
	require.NoError(t, err)
	defer sub.Close()

	var got atomic.Int32
	_, err = sub.Subscribe(ctx, models.TableMessages, models.Filter{Column: "channel_id", Value: "A"}, func(models.ChangeEvent) { got.Add(1) })
	require.NoError(t, err)

	ev, err := models.NewChangeEvent(models.TableMessages, models.OpInsert, models.MessageRow{ID: "m1", ChannelID: "A", AuthorID: "u"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, ev))

	require.Eventually(t, func() bool { return got.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}
