package services

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/ws"
)

// faultyStore wraps a real store and fails selected calls on demand.
type faultyStore struct {
	backend.Store

	mu                  sync.Mutex
	subscribeErr        error
	fetchUserErr        error
	insertMessageErr    error
	insertReactionErr   error
	deleteReactionErr   error
	beforeInsertMessage func()
	beforeFetchMessages func()
	beforeFetchUser     func()
	fetchUserCalls      int
	insertMessageCalls  int
	insertReactionCalls int
	deleteReactionCalls int
}

func (f *faultyStore) set(fn func(f *faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) calls() (insertMessage, insertReaction, deleteReaction int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertMessageCalls, f.insertReactionCalls, f.deleteReactionCalls
}

func (f *faultyStore) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent backend.EventHandler) (backend.Subscription, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Subscribe(ctx, table, filter, onEvent)
}

func (f *faultyStore) FetchUser(ctx context.Context, userID string) (*models.User, error) {
	f.mu.Lock()
	f.fetchUserCalls++
	err, hook := f.fetchUserErr, f.beforeFetchUser
	f.beforeFetchUser = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return f.Store.FetchUser(ctx, userID)
}

func (f *faultyStore) FetchMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	f.mu.Lock()
	hook := f.beforeFetchMessages
	f.beforeFetchMessages = nil
	f.mu.Unlock()

	msgs, err := f.Store.FetchMessages(ctx, channelID)
	if hook != nil {
		hook()
	}
	return msgs, err
}

func (f *faultyStore) InsertMessage(ctx context.Context, row models.MessageRow, atts []models.AttachmentInput) (*models.Message, error) {
	f.mu.Lock()
	f.insertMessageCalls++
	err, hook := f.insertMessageErr, f.beforeInsertMessage
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return f.Store.InsertMessage(ctx, row, atts)
}

func (f *faultyStore) InsertReaction(ctx context.Context, r models.ReactionRow) error {
	f.mu.Lock()
	f.insertReactionCalls++
	err := f.insertReactionErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.InsertReaction(ctx, r)
}

func (f *faultyStore) DeleteReaction(ctx context.Context, r models.ReactionRow) error {
	f.mu.Lock()
	f.deleteReactionCalls++
	err := f.deleteReactionErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.DeleteReaction(ctx, r)
}

type harness struct {
	store  *backend.Local
	hub    *ws.Hub
	faults *faultyStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "chat.db"), database.Migrations(), zerolog.Nop())
	require.NoError(t, err)

	hub := ws.NewHub(256, zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	store := backend.NewLocal(db, hub, zerolog.Nop())
	t.Cleanup(func() { store.Close() })

	return &harness{store: store, hub: hub, faults: &faultyStore{Store: store}}
}

func (h *harness) user(t *testing.T, name string) string {
	t.Helper()
	u := &models.User{Username: name}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return u.ID
}

// channel creates a channel owned by owner with members invited right away.
func (h *harness) channel(t *testing.T, owner, title string, members ...string) string {
	t.Helper()
	ctx := context.Background()
	ch, err := h.store.InsertChannel(ctx, models.ChannelRow{Title: title, CreatedBy: owner})
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, h.store.InsertMembership(ctx, models.Membership{
			ChannelID: ch.ID, UserID: m, Role: models.RoleMember, LastReadAt: time.Now().UTC(),
		}))
	}
	return ch.ID
}

// post writes a message straight to the store, as another client would.
func (h *harness) post(t *testing.T, author, channelID, content string) *models.Message {
	t.Helper()
	m, err := h.store.InsertMessage(context.Background(), models.MessageRow{
		ChannelID: channelID, AuthorID: author, Type: models.MessageText, Content: content,
	}, nil)
	require.NoError(t, err)
	return m
}

func (h *harness) session(t *testing.T, userID string, tweak ...func(*config.SessionConfig)) *Session {
	t.Helper()
	cfg := config.SessionConfig{
		UserID:               userID,
		DedupWindow:          10 * time.Second,
		ReloadInterval:       10 * time.Millisecond,
		BackoffMin:           10 * time.Millisecond,
		BackoffMax:           50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		QueueSize:            256,
		AuthorCacheTTL:       time.Minute,
		RequestTimeout:       2 * time.Second,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	s, err := NewSession(h.faults, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start(context.Background()))
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func entry(s *Session, channelID string) models.Channel {
	for _, ch := range s.Directory() {
		if ch.ID == channelID {
			return ch
		}
	}
	return models.Channel{}
}

func hasMessage(s *Session, id string) bool {
	return slices.ContainsFunc(s.Timeline().Messages, func(m models.Message) bool { return m.ID == id })
}

func countContent(s *Session, content string) (confirmed, pending int) {
	for _, m := range s.Timeline().Messages {
		if m.Content != content {
			continue
		}
		if m.Pending {
			pending++
		} else {
			confirmed++
		}
	}
	return confirmed, pending
}

func TestUnreadCountsFollowActiveChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	a := h.channel(t, alice, "A", bob)
	b := h.channel(t, alice, "B", bob)
	for _, c := range []string{"a1", "a2", "a3", "a4", "a5"} {
		h.post(t, bob, a, c)
	}

	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, b))
	eventually(t, func() bool {
		return entry(s, a).UnreadCount == 5 && entry(s, b).UnreadCount == 0
	}, "initial unread counts")

	// Insert for the non-active channel: directory only.
	h.post(t, bob, a, "a6")
	eventually(t, func() bool { return entry(s, a).UnreadCount == 6 }, "A counts the new message")
	assert.Equal(t, b, s.Timeline().ChannelID)
	assert.Empty(t, s.Timeline().Messages)
	assert.Equal(t, "a6", *entry(s, a).LastMessagePreview)

	// Insert for the active channel: timeline, and the cursor moves past it.
	msg := h.post(t, bob, b, "hello B")
	eventually(t, func() bool { return hasMessage(s, msg.ID) }, "B message in timeline")
	assert.Equal(t, 0, entry(s, b).UnreadCount)
	assert.Equal(t, "bob", s.Timeline().Messages[0].Author.Username)

	eventually(t, func() bool {
		channels, err := h.store.FetchChannelsForUser(ctx, alice)
		require.NoError(t, err)
		for _, ch := range channels {
			if ch.ID == b {
				return ch.UnreadCount == 0 && !ch.LastReadAt.Before(msg.CreatedAt)
			}
		}
		return false
	}, "read cursor persisted")

	// Switching to A zeroes it.
	require.NoError(t, s.Select(ctx, a))
	assert.Equal(t, 0, entry(s, a).UnreadCount)
	assert.Len(t, s.Timeline().Messages, 6)
}

func TestSelectIgnoresUnknownChannel(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	s := h.session(t, alice)

	require.NoError(t, s.Select(context.Background(), "no-such-channel"))
	assert.Empty(t, s.ActiveChannel())
	assert.Equal(t, models.FeedIdle, s.Status().Messages)
}

func TestAutoSelectFirstChannel(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	older := h.channel(t, alice, "older")
	h.channel(t, alice, "newer")
	h.post(t, alice, older, "bump")

	s := h.session(t, alice, func(c *config.SessionConfig) { c.AutoSelect = true })
	assert.Equal(t, older, s.ActiveChannel(), "most recently active channel first")

	// A channel appearing later does not steal the selection.
	h.channel(t, bob, "third", alice)
	eventually(t, func() bool { return len(s.Directory()) == 3 }, "third channel listed")
	assert.Equal(t, older, s.ActiveChannel())
}

func TestSendEmptyContentIsRejectedLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	_, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Type: models.MessageText, Content: "   "})
	require.ErrorIs(t, err, pkg.ErrValidation)

	calls, _, _ := h.faults.calls()
	assert.Zero(t, calls, "no network call")
	assert.Empty(t, s.Timeline().Messages, "no pending entry")
}

func TestSendDeduplicatesOwnNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	sent, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "hello"})
	require.NoError(t, err)
	assert.False(t, sent.Pending)
	assert.Equal(t, "alice", sent.Author.Username)

	// The sentinel is delivered after the insert notification of "hello".
	sentinel := h.post(t, alice, c, "sentinel")
	eventually(t, func() bool { return hasMessage(s, sentinel.ID) }, "sentinel delivered")

	confirmed, pending := countContent(s, "hello")
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, pending)
	assert.True(t, hasMessage(s, sent.ID))
}

func TestSendFailureRollsBackPendingEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	var during models.TimelineSnapshot
	h.faults.set(func(f *faultyStore) {
		f.insertMessageErr = pkg.ErrBackendUnavailable
		f.beforeInsertMessage = func() { during = s.Timeline() }
	})

	_, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "lost"})
	require.ErrorIs(t, err, pkg.ErrSendFailed)
	require.ErrorIs(t, err, pkg.ErrBackendUnavailable)

	require.Len(t, during.Messages, 1, "pending entry shown while sending")
	assert.True(t, during.Messages[0].Pending)
	assert.Equal(t, "lost", during.Messages[0].Content)
	assert.Empty(t, s.Timeline().Messages, "pending entry removed")
}

func TestSendToUnknownChannel(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	s := h.session(t, alice)

	_, err := s.Send(context.Background(), models.SendMessageRequest{ChannelID: "nope", Content: "hi"})
	require.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestReplyQuotesTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	c := h.channel(t, alice, "C", bob)
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	q := h.post(t, bob, c, "question?")
	eventually(t, func() bool { return hasMessage(s, q.ID) }, "question delivered")

	require.NoError(t, s.SetReplyingTo(q.ID))
	require.NotNil(t, s.ReplyingTo())

	reply, err := s.Send(ctx, models.SendMessageRequest{
		ChannelID: c, Type: models.MessageReply, Content: "answer", ReplyToID: q.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReplyMetadata{QuotedID: q.ID, QuotedAuthorID: bob, Snippet: "question?"}, reply.Metadata)
	require.NotNil(t, reply.ReplyToID)
	assert.Equal(t, q.ID, *reply.ReplyToID)
	assert.Nil(t, s.ReplyingTo(), "reply target cleared after send")

	_, err = s.Send(ctx, models.SendMessageRequest{
		ChannelID: c, Type: models.MessageReply, Content: "answer", ReplyToID: "missing",
	})
	require.ErrorIs(t, err, pkg.ErrNotFound)
	require.ErrorIs(t, s.SetReplyingTo("missing"), pkg.ErrNotFound)
}

func TestEditAndDeleteWaitForNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	sent, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "v1"})
	require.NoError(t, err)

	require.NoError(t, s.Edit(ctx, sent.ID, "v2"))
	eventually(t, func() bool {
		m := s.Timeline().Messages
		return len(m) == 1 && m[0].Content == "v2" && m[0].IsEdited
	}, "edit applied")

	require.NoError(t, s.Delete(ctx, sent.ID))
	eventually(t, func() bool {
		m := s.Timeline().Messages
		return len(m) == 1 && m[0].IsDeleted && m[0].Content == ""
	}, "delete applied, slot kept")

	require.ErrorIs(t, s.Edit(ctx, sent.ID, "v3"), pkg.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "unknown"), pkg.ErrNotFound)
	require.ErrorIs(t, s.Edit(ctx, sent.ID, ""), pkg.ErrValidation)
}

func TestReactionsAreIdempotentAndRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	sent, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "react to me"})
	require.NoError(t, err)
	before := s.Timeline().Messages[0].Reactions

	require.NoError(t, s.AddReaction(ctx, sent.ID, "rocket"))
	require.NoError(t, s.AddReaction(ctx, sent.ID, "🚀"))
	_, inserts, _ := h.faults.calls()
	assert.Equal(t, 1, inserts, "second add is a local no-op")

	want := []models.ReactionGroup{{Emoji: "🚀", Count: 1, Users: []string{alice}}}
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, want, s.Timeline().Messages[0].Reactions)

	stored, err := h.store.FetchMessages(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, want, stored[0].Reactions)

	require.NoError(t, s.RemoveReaction(ctx, sent.ID, "rocket"))
	eventually(t, func() bool {
		return assert.ObjectsAreEqual(before, s.Timeline().Messages[0].Reactions)
	}, "ledger back to its prior state")

	stored, err = h.store.FetchMessages(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, stored[0].Reactions)

	require.ErrorIs(t, s.AddReaction(ctx, sent.ID, ""), pkg.ErrValidation)
	require.ErrorIs(t, s.AddReaction(ctx, "unknown", "heart"), pkg.ErrNotFound)
}

func TestRemovingAbsentReactionSendsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	sent, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "quiet"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveReaction(ctx, sent.ID, "party"))
	_, _, deletes := h.faults.calls()
	assert.Zero(t, deletes)
	assert.Empty(t, s.Timeline().Messages[0].Reactions)
}

func TestLoadReplaysChangesMadeDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	m := h.post(t, alice, c, "v1")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	// The update lands after the server answered but before the result
	// is installed.
	h.faults.set(func(f *faultyStore) {
		f.beforeFetchMessages = func() {
			s.timeline.applyUpdate(c, models.Message{
				ID: m.ID, ChannelID: c, AuthorID: alice, Type: models.MessageText, Content: "v2", IsEdited: true,
			})
		}
	})
	require.NoError(t, s.timeline.Load(ctx, c))

	msgs := s.Timeline().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)
}

func TestReactionFailureReverts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	c := h.channel(t, alice, "C")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	sent, err := s.Send(ctx, models.SendMessageRequest{ChannelID: c, Content: "hi"})
	require.NoError(t, err)

	h.faults.set(func(f *faultyStore) { f.insertReactionErr = pkg.ErrPermissionDenied })
	err = s.AddReaction(ctx, sent.ID, "heart")
	require.ErrorIs(t, err, pkg.ErrReactionFailed)
	require.ErrorIs(t, err, pkg.ErrPermissionDenied)
	assert.Empty(t, s.Timeline().Messages[0].Reactions)

	// A duplicate means it is already stored.
	h.faults.set(func(f *faultyStore) { f.insertReactionErr = pkg.ErrConflict })
	require.NoError(t, s.AddReaction(ctx, sent.ID, "heart"))
	assert.True(t, hasReaction(s.Timeline().Messages[0].Reactions, "❤️", alice))

	h.faults.set(func(f *faultyStore) { f.deleteReactionErr = pkg.ErrBackendUnavailable })
	require.ErrorIs(t, s.RemoveReaction(ctx, sent.ID, "heart"), pkg.ErrReactionFailed)
	assert.True(t, hasReaction(s.Timeline().Messages[0].Reactions, "❤️", alice), "restored")
}

func TestReactionsFromOtherSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	c := h.channel(t, alice, "C", bob)
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))

	msg := h.post(t, alice, c, "vote")
	eventually(t, func() bool { return hasMessage(s, msg.ID) }, "message delivered")

	require.NoError(t, h.store.InsertReaction(ctx, models.ReactionRow{MessageID: msg.ID, UserID: bob, Emoji: "👍"}))
	eventually(t, func() bool {
		return hasReaction(s.Timeline().Messages[0].Reactions, "👍", bob)
	}, "bob's reaction applied")

	require.NoError(t, h.store.DeleteReaction(ctx, models.ReactionRow{MessageID: msg.ID, UserID: bob, Emoji: "👍"}))
	eventually(t, func() bool { return len(s.Timeline().Messages[0].Reactions) == 0 }, "bob's reaction removed")
}

func TestCreateAndInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	sa := h.session(t, alice, func(c *config.SessionConfig) { c.AutoSelect = true })
	sb := h.session(t, bob)

	ch, err := sb.Create(ctx, "  Design  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Design", ch.Title)
	assert.True(t, ch.IsOwner)
	assert.Equal(t, ch.ID, entry(sb, ch.ID).ID)

	_, err = sb.Create(ctx, "design", nil)
	require.ErrorIs(t, err, pkg.ErrDuplicateTitle)
	_, err = sb.Create(ctx, "", nil)
	require.ErrorIs(t, err, pkg.ErrValidation)

	users, err := sb.SearchUsers(ctx, "ali")
	require.NoError(t, err)
	candidates, err := sb.NonMembers(ctx, ch.ID, users)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, alice, candidates[0].ID)

	require.NoError(t, sb.AddMember(ctx, ch.ID, alice, ""))
	require.ErrorIs(t, sb.AddMember(ctx, ch.ID, alice, ""), pkg.ErrAlreadyMember)

	eventually(t, func() bool { return sa.ActiveChannel() == ch.ID }, "invitee sees and auto-selects the channel")
	got := entry(sa, ch.ID)
	assert.False(t, got.IsOwner)
	assert.Equal(t, models.RoleMember, got.Role)
	assert.Equal(t, 0, got.UnreadCount)
}

func TestReconnectReloadsWhatTheGapMissed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	c := h.channel(t, alice, "C", bob)
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))
	eventually(t, func() bool {
		st := s.Status()
		return st.Directory == models.FeedActive && st.Messages == models.FeedActive
	}, "feeds active")

	// Drop every subscription and keep them down.
	h.faults.set(func(f *faultyStore) { f.subscribeErr = pkg.ErrFeedUnavailable })
	h.hub.DropAll(pkg.ErrFeedUnavailable)
	eventually(t, func() bool { return s.Status().Messages != models.FeedActive }, "feed down")

	// Nobody is subscribed: these notifications are lost.
	missed := h.post(t, bob, c, "sent during the gap")
	d := h.channel(t, bob, "D", alice)
	assert.False(t, hasMessage(s, missed.ID))

	h.faults.set(func(f *faultyStore) { f.subscribeErr = nil })
	eventually(t, func() bool { return hasMessage(s, missed.ID) }, "timeline reloaded")
	eventually(t, func() bool { return entry(s, d).ID == d }, "directory reloaded")
	eventually(t, func() bool {
		st := s.Status()
		return st.Directory == models.FeedActive && st.Messages == models.FeedActive && !st.Disconnected
	}, "feeds active again")
}

func TestReconnectReloadMarksMissedMessagesRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	other := h.channel(t, alice, "A")
	c := h.channel(t, alice, "C", bob)
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))
	eventually(t, func() bool { return s.Status().Messages == models.FeedActive }, "feed active")

	h.faults.set(func(f *faultyStore) { f.subscribeErr = pkg.ErrFeedUnavailable })
	h.hub.DropAll(pkg.ErrFeedUnavailable)
	eventually(t, func() bool { return s.Status().Messages != models.FeedActive }, "feed down")

	missed := h.post(t, bob, c, "sent during the gap")
	h.faults.set(func(f *faultyStore) { f.subscribeErr = nil })
	eventually(t, func() bool { return hasMessage(s, missed.ID) }, "timeline reloaded")

	// The viewer was shown the message, so the backend must not count it.
	eventually(t, func() bool {
		channels, err := h.store.FetchChannelsForUser(ctx, alice)
		if err != nil {
			return false
		}
		for _, ch := range channels {
			if ch.ID == c {
				return ch.UnreadCount == 0
			}
		}
		return false
	}, "read cursor advanced past the missed message")

	require.NoError(t, s.Select(ctx, other))
	require.NoError(t, s.reloadDirectory(ctx))
	assert.Zero(t, entry(s, c).UnreadCount)
}

func TestRepeatedFailuresMarkDisconnected(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	s := h.session(t, alice, func(c *config.SessionConfig) { c.MaxReconnectAttempts = 2 })

	h.faults.set(func(f *faultyStore) { f.subscribeErr = pkg.ErrFeedUnavailable })
	h.hub.DropAll(pkg.ErrFeedUnavailable)
	eventually(t, func() bool { return s.Status().Disconnected }, "escalated to disconnected")

	h.faults.set(func(f *faultyStore) { f.subscribeErr = nil })
	eventually(t, func() bool {
		st := s.Status()
		return !st.Disconnected && st.Failures == 0 && st.Directory == models.FeedActive
	}, "recovered")
}

func TestSwitchingChannelsDiscardsStaleEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.user(t, "alice")
	a := h.channel(t, alice, "A")
	b := h.channel(t, alice, "B")
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, a))
	require.NoError(t, s.Select(ctx, b))

	row := models.MessageRow{ID: "late", ChannelID: b, AuthorID: alice, Type: models.MessageText,
		Content: "late", CreatedAt: time.Now().UTC()}
	ev, err := models.NewChangeEvent(models.TableMessages, models.OpInsert, row)
	require.NoError(t, err)

	// Delivered by the subscription made for A: dropped.
	s.reconciler.apply(ctx, queueItem{ev: ev, tag: a})
	assert.Empty(t, s.Timeline().Messages)
	assert.Zero(t, entry(s, b).UnreadCount)

	// Same event from the current subscription: applied.
	s.reconciler.apply(ctx, queueItem{ev: ev, tag: b})
	assert.True(t, hasMessage(s, "late"))
}

func TestUnattributableInsertIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	c := h.channel(t, alice, "C", bob)
	s := h.session(t, alice)
	require.NoError(t, s.Select(ctx, c))
	eventually(t, func() bool { return s.Status().Messages == models.FeedActive }, "feed active")

	var lookups int
	h.faults.set(func(f *faultyStore) {
		f.fetchUserErr = pkg.ErrBackendUnavailable
		lookups = f.fetchUserCalls
	})
	lost := h.post(t, bob, c, "nobody knows who wrote this")
	eventually(t, func() bool {
		h.faults.mu.Lock()
		defer h.faults.mu.Unlock()
		return h.faults.fetchUserCalls > lookups
	}, "author lookup attempted")
	require.NoError(t, s.Flush(ctx))
	assert.False(t, hasMessage(s, lost.ID))

	h.faults.set(func(f *faultyStore) { f.fetchUserErr = nil })
	next := h.post(t, bob, c, "this one is attributed")
	eventually(t, func() bool { return hasMessage(s, next.ID) }, "next insert applied")
	assert.False(t, hasMessage(s, lost.ID))

	st := s.Status()
	assert.False(t, st.Disconnected)
	assert.Equal(t, models.FeedActive, st.Messages)
}

func TestUpdateDisplayName(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	s := h.session(t, alice)
	ctx := context.Background()

	require.ErrorIs(t, s.UpdateDisplayName(ctx, "   "), pkg.ErrValidation)

	require.NoError(t, s.UpdateDisplayName(ctx, "  Alice A.  "))
	self := s.Self()
	assert.Equal(t, "Alice A.", self.Name())

	stored, err := h.store.FetchUser(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, stored.DisplayName)
	assert.Equal(t, "Alice A.", *stored.DisplayName)
}

func TestCloseDuringStart(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	h.channel(t, alice, "A")

	entered, release := make(chan struct{}), make(chan struct{})
	h.faults.set(func(f *faultyStore) {
		f.beforeFetchUser = func() {
			close(entered)
			<-release
		}
	})
	s, err := NewSession(h.faults, config.SessionConfig{UserID: alice}, zerolog.Nop())
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on an unfinished Start")
	}
	close(release)

	select {
	case err := <-started:
		require.ErrorIs(t, err, pkg.ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Zero(t, h.hub.Subscriptions())
	assert.Equal(t, models.FeedClosed, s.Status().Directory)
}

func TestClosedSessionRejectsIntents(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	s := h.session(t, alice)
	changes := s.Changes()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Select(context.Background(), "x"), pkg.ErrClosed)
	_, err := s.Send(context.Background(), models.SendMessageRequest{ChannelID: "x", Content: "hi"})
	require.ErrorIs(t, err, pkg.ErrClosed)
	assert.Equal(t, models.FeedClosed, s.Status().Directory)

	for range changes {
	}
}
