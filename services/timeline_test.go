package services

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/models"
)

const testChannel = "c1"

// newUnitSession returns a session that is never started, with testChannel
// listed and active. Only state-level operations may be used on it.
func newUnitSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(nil, config.SessionConfig{UserID: "u-self"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.state.mu.Lock()
	s.state.self = models.User{ID: "u-self", Username: "self"}
	s.state.channels = []models.Channel{{ID: testChannel, Title: "general"}}
	s.state.setActive(testChannel)
	s.state.mu.Unlock()
	return s
}

func upsert(s *Session, m models.Message) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.timeline.upsert(m)
}

func addPending(s *Session, clientID, content string, at time.Time) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.insertSorted(&models.Message{
		ID:        pendingPrefix + clientID,
		ClientID:  clientID,
		ChannelID: testChannel,
		AuthorID:  "u-self",
		Type:      models.MessageText,
		Content:   content,
		CreatedAt: at,
		Pending:   true,
	})
}

func textMessage(id, content string, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		ChannelID: testChannel,
		AuthorID:  "u-self",
		Type:      models.MessageText,
		Content:   content,
		CreatedAt: at,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimelineOrderIgnoresArrivalOrder(t *testing.T) {
	s := newUnitSession(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var msgs []models.Message
	var want []string
	for i := range 60 {
		// groups of three share a timestamp; ids break the tie
		id := fmt.Sprintf("m%02d", i)
		msgs = append(msgs, textMessage(id, id, base.Add(time.Duration(i/3)*time.Millisecond)))
		want = append(want, id)
	}

	rng := rand.New(rand.NewPCG(7, 11))
	rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	for _, m := range msgs {
		upsert(s, m)
	}
	// redelivery changes nothing
	for _, m := range msgs[:15] {
		upsert(s, m)
	}

	assert.Equal(t, want, ids(s.Timeline().Messages))
}

func TestPendingEntryMatchedByClientID(t *testing.T) {
	s := newUnitSession(t)
	now := time.Now().UTC()
	addPending(s, "x", "hello", now)
	addPending(s, "y", "hello", now)

	// Same content, other client id: leaves both pending entries alone.
	m := textMessage("m1", "hello", now)
	m.ClientID = "z"
	upsert(s, m)
	assert.Len(t, s.Timeline().Messages, 3)

	m = textMessage("m2", "hello", now)
	m.ClientID = "y"
	upsert(s, m)

	got := s.Timeline().Messages
	require.Len(t, got, 3)
	assert.ElementsMatch(t, []string{"m1", "m2", pendingPrefix + "x"}, ids(got))
}

func TestPendingEntryMatchedByContentWithinWindow(t *testing.T) {
	s := newUnitSession(t)
	now := time.Now().UTC()
	addPending(s, "x", "hello", now)

	upsert(s, textMessage("m1", "hello", now))

	got := s.Timeline().Messages
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.False(t, got[0].Pending)
}

func TestPendingEntryOutsideWindowIsKept(t *testing.T) {
	s := newUnitSession(t)
	old := time.Now().UTC().Add(-time.Hour)
	addPending(s, "x", "hello", old)

	upsert(s, textMessage("m1", "hello", time.Now().UTC()))
	assert.Len(t, s.Timeline().Messages, 2)
}

func TestConfirmedRecordSeenTwiceDropsPending(t *testing.T) {
	s := newUnitSession(t)
	now := time.Now().UTC()

	m := textMessage("m1", "hello", now)
	m.ClientID = "x"
	upsert(s, m)
	// A reload carried the pending entry over after the record was in.
	addPending(s, "x", "hello", now)
	upsert(s, m)

	assert.Equal(t, []string{"m1"}, ids(s.Timeline().Messages))
}

func TestUpdateBeforeInsertIsApplied(t *testing.T) {
	s := newUnitSession(t)
	now := time.Now().UTC()

	s.timeline.applyUpdate(testChannel, models.Message{
		ID: "m1", ChannelID: testChannel, AuthorID: "u-self", Type: models.MessageText,
		Content: "edited", IsEdited: true,
	})
	assert.Empty(t, s.Timeline().Messages)

	upsert(s, textMessage("m1", "original", now))
	got := s.Timeline().Messages
	require.Len(t, got, 1)
	assert.Equal(t, "edited", got[0].Content)
	assert.True(t, got[0].IsEdited)
}

func TestReactionBeforeInsertIsApplied(t *testing.T) {
	s := newUnitSession(t)

	s.reactions.applyEvent(testChannel, models.OpInsert, models.ReactionRow{
		MessageID: "m1", UserID: "u-other", Emoji: "👍", ChannelID: testChannel,
	})
	upsert(s, textMessage("m1", "hi", time.Now().UTC()))

	got := s.Timeline().Messages
	require.Len(t, got, 1)
	assert.Equal(t, []models.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{"u-other"}}}, got[0].Reactions)
}

func drainChanges(s *Session) int {
	n := 0
	for {
		select {
		case <-s.Changes():
			n++
		default:
			return n
		}
	}
}

func TestRedeliveredReactionIsSilent(t *testing.T) {
	s := newUnitSession(t)
	upsert(s, textMessage("m1", "hi", time.Now().UTC()))
	row := models.ReactionRow{MessageID: "m1", UserID: "u-other", Emoji: "👍", ChannelID: testChannel}
	drainChanges(s)

	s.reactions.applyEvent(testChannel, models.OpInsert, row)
	assert.Equal(t, 1, drainChanges(s))

	s.reactions.applyEvent(testChannel, models.OpInsert, row)
	assert.Zero(t, drainChanges(s))

	s.reactions.applyEvent(testChannel, models.OpDelete, row)
	assert.Equal(t, 1, drainChanges(s))
	s.reactions.applyEvent(testChannel, models.OpDelete, row)
	assert.Zero(t, drainChanges(s))
	assert.Empty(t, s.Timeline().Messages[0].Reactions)
}

func TestDeleteUpdateClearsContentAndReplyTarget(t *testing.T) {
	s := newUnitSession(t)
	upsert(s, textMessage("m1", "secret", time.Now().UTC()))
	require.NoError(t, s.timeline.SetReplyingTo("m1"))

	s.timeline.applyUpdate(testChannel, models.Message{
		ID: "m1", ChannelID: testChannel, AuthorID: "u-self", Type: models.MessageText,
		Content: "secret", IsDeleted: true,
	})

	snap := s.Timeline()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsDeleted)
	assert.Empty(t, snap.Messages[0].Content)
	assert.Nil(t, snap.ReplyingTo)
}

func TestUpdateForInactiveChannelIsDropped(t *testing.T) {
	s := newUnitSession(t)
	upsert(s, textMessage("m1", "hi", time.Now().UTC()))

	s.timeline.applyUpdate("other", models.Message{
		ID: "m1", ChannelID: "other", AuthorID: "u-self", Type: models.MessageText, Content: "changed",
	})
	assert.Equal(t, "hi", s.Timeline().Messages[0].Content)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newUnitSession(t)
	upsert(s, textMessage("m1", "hi", time.Now().UTC()))
	s.reactions.applyEvent(testChannel, models.OpInsert, models.ReactionRow{
		MessageID: "m1", UserID: "u-other", Emoji: "🎉", ChannelID: testChannel,
	})

	snap := s.Timeline()
	snap.Messages[0].Content = "mutated"
	snap.Messages[0].Reactions[0].Users[0] = "mutated"

	fresh := s.Timeline().Messages[0]
	assert.Equal(t, "hi", fresh.Content)
	assert.Equal(t, []string{"u-other"}, fresh.Reactions[0].Users)
}
