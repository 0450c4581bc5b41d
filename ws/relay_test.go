package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/ratelimit"
	"github.com/akinalp/chatsync/pkg/token"
)

// memberList maps channel id to member ids.
type memberList map[string][]string

func (m memberList) FetchMemberIDs(_ context.Context, channelID string) ([]string, error) {
	return m[channelID], nil
}

type relayFixture struct {
	hub    *Hub
	issuer *token.Issuer
	server *httptest.Server
	url    string
}

func newRelay(t *testing.T, limiter *ratelimit.ConnectLimiter) *relayFixture {
	t.Helper()
	hub := newTestHub(t, 64)
	issuer, err := token.NewIssuer("relay-secret", time.Hour)
	require.NoError(t, err)

	mux := http.NewServeMux()
	members := memberList{"A": {"u1", "u2"}, "B": {"u2"}}
	mux.HandleFunc("/ws", NewHandler(hub, issuer, members, limiter, nil, zerolog.Nop()).HandleConnection)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &relayFixture{
		hub:    hub,
		issuer: issuer,
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (f *relayFixture) feed(t *testing.T, userID string) *RemoteFeed {
	t.Helper()
	tok, err := f.issuer.Issue(userID)
	require.NoError(t, err)
	feed := NewRemoteFeed(f.url, tok, 64, zerolog.Nop())
	t.Cleanup(func() { feed.Close() })
	return feed
}

func TestRelayForwardsMatchingChanges(t *testing.T) {
	relay := newRelay(t, nil)
	feed := relay.feed(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var rec recorder
	sub, err := feed.Subscribe(ctx, models.TableMessages, models.Filter{Column: "channel_id", Value: "A"}, rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.hub.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.hub.Publish(ctx, messageEvent(t, "B", "skip")))
	require.NoError(t, relay.hub.Publish(ctx, messageEvent(t, "A", "hello")))

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "hello", rec.events[0].Field("content"))
	rec.mu.Unlock()

	require.NoError(t, feed.Unsubscribe(sub))
	require.Eventually(t, func() bool { return relay.hub.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelayDropPropagatesToSubscriber(t *testing.T) {
	relay := newRelay(t, nil)
	feed := relay.feed(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := feed.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.hub.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	relay.hub.DropAll(pkg.ErrFeedUnavailable)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscription not ended")
	}
	assert.ErrorIs(t, sub.Err(), pkg.ErrFeedUnavailable)

	// The connection survives; a new subscription works.
	_, err = feed.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.NoError(t, err)
}

func TestRelayWithholdsChannelsOfOthers(t *testing.T) {
	relay := newRelay(t, nil)
	feed := relay.feed(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := feed.Subscribe(ctx, models.TableMessages, models.Filter{Column: "channel_id", Value: "B"}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrValidation)

	var messages, channels recorder
	_, err = feed.Subscribe(ctx, models.TableMessages, models.Filter{}, messages.handle)
	require.NoError(t, err)
	_, err = feed.Subscribe(ctx, models.TableChannels, models.Filter{}, channels.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.hub.Subscriptions() == 2 }, time.Second, 5*time.Millisecond)

	// Each stream delivers in order: once A's row arrives, B's was judged.
	require.NoError(t, relay.hub.Publish(ctx, messageEvent(t, "B", "secret")))
	require.NoError(t, relay.hub.Publish(ctx, messageEvent(t, "A", "hello")))
	for _, id := range []string{"B", "A"} {
		ev, err := models.NewChangeEvent(models.TableChannels, models.OpUpdate, models.ChannelRow{ID: id, Title: "title " + id})
		require.NoError(t, err)
		require.NoError(t, relay.hub.Publish(ctx, ev))
	}

	require.Eventually(t, func() bool { return messages.len() == 1 && channels.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	messages.mu.Lock()
	assert.Equal(t, "hello", messages.events[0].Field("content"))
	messages.mu.Unlock()
	channels.mu.Lock()
	assert.Equal(t, "A", channels.events[0].Field("id"))
	channels.mu.Unlock()
}

func TestRelayWithoutMembershipRefusesChannelRows(t *testing.T) {
	hub := newTestHub(t, 16)
	issuer, err := token.NewIssuer("relay-secret", time.Hour)
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(NewHandler(hub, issuer, nil, nil, nil, zerolog.Nop()).HandleConnection))
	defer server.Close()

	tok, err := issuer.Issue("u1")
	require.NoError(t, err)
	feed := NewRemoteFeed("ws"+strings.TrimPrefix(server.URL, "http"), tok, 8, zerolog.Nop())
	defer feed.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = feed.Subscribe(ctx, models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrValidation)

	_, err = feed.Subscribe(ctx, models.TableMembers, models.Filter{Column: "user_id", Value: "u1"}, func(models.ChangeEvent) {})
	require.NoError(t, err)
}

func TestRelayRejectsBadToken(t *testing.T) {
	relay := newRelay(t, nil)
	feed := NewRemoteFeed(relay.url, "not-a-token", 8, zerolog.Nop())
	defer feed.Close()

	_, err := feed.Subscribe(context.Background(), models.TableMessages, models.Filter{}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrUnauthorized)
}

func TestRelayMembersSubscriptionMustBeOwnUser(t *testing.T) {
	relay := newRelay(t, nil)
	feed := relay.feed(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := feed.Subscribe(ctx, models.TableMembers, models.Filter{Column: "user_id", Value: "u2"}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, pkg.ErrValidation)

	_, err = feed.Subscribe(ctx, models.TableMembers, models.Filter{Column: "user_id", Value: "u1"}, func(models.ChangeEvent) {})
	require.NoError(t, err)
}

func TestRelayConnectLimit(t *testing.T) {
	limiter := ratelimit.NewConnectLimiter(1, time.Minute)
	defer limiter.Close()
	relay := newRelay(t, limiter)

	tok, err := relay.issuer.Issue("u1")
	require.NoError(t, err)

	resp, err := http.Get(relay.server.URL + "/ws?token=" + tok)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(relay.server.URL + "/ws?token=" + tok)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRelayShutdownEndsRemoteSubscriptions(t *testing.T) {
	relay := newRelay(t, nil)
	feed := relay.feed(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := feed.Subscribe(ctx, models.TableChannels, models.Filter{}, func(models.ChangeEvent) {})
	require.NoError(t, err)

	relay.hub.Shutdown()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscription not ended")
	}
	assert.ErrorIs(t, sub.Err(), pkg.ErrFeedUnavailable)
}
