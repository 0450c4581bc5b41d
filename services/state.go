package services

import (
	"slices"
	"sync"
	"time"

	"github.com/akinalp/chatsync/models"
)

// changeBuffer is the capacity of the Changes channel. Notifications are
// dropped, never blocked on, when the reader falls behind.
const changeBuffer = 64

// chatState is the single in-memory copy of the directory and the active
// timeline. Every field is guarded by mu; nothing holds mu across a
// network call.
type chatState struct {
	mu sync.Mutex

	self   models.User
	closed bool

	// Directory, ordered by last activity (newest first).
	channels   []models.Channel
	dirLoading bool
	dirJournal []models.Message // foreign inserts applied during a directory load

	// Active channel. activeGen changes on every Select so that results
	// of requests issued for an earlier selection can be recognised.
	active    string
	activeGen uint64

	// Timeline of the active channel, sorted by models.MessageLess.
	messages   []*models.Message
	tlLoading  bool
	tlJournal  []func() // timeline mutations applied during a load
	replyingTo string

	status  models.ConnectionStatus
	changes chan models.StateChange
}

func newChatState() *chatState {
	return &chatState{
		status: models.ConnectionStatus{
			Directory: models.FeedIdle,
			Messages:  models.FeedIdle,
		},
		changes: make(chan models.StateChange, changeBuffer),
	}
}

// notify publishes a change without blocking. Caller holds mu.
func (s *chatState) notify(kind models.ChangeKind, channelID string) {
	if s.closed {
		return
	}
	select {
	case s.changes <- models.StateChange{Kind: kind, ChannelID: channelID}:
	default:
	}
}

// close ends the Changes stream. Caller holds mu.
func (s *chatState) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.changes)
}

// isActive reports whether tag still names the active channel. Caller holds mu.
func (s *chatState) isActive(tag string) bool {
	return tag != "" && s.active == tag
}

func (s *chatState) selfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.ID
}

func (s *chatState) activeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// activate marks channelID active, zeroes its unread count and clears the
// timeline. It reports false when the channel is not in the directory.
func (s *chatState) activate(channelID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.channelIndex(channelID)
	if i < 0 {
		return 0, false
	}
	s.channels[i].UnreadCount = 0
	s.setActive(channelID)
	s.notify(models.ChangeActive, channelID)
	s.notify(models.ChangeDirectory, channelID)
	return s.activeGen, true
}

// setActive switches the active channel. Caller holds mu.
func (s *chatState) setActive(channelID string) {
	s.active = channelID
	s.activeGen++
	s.messages = nil
	s.tlLoading = false
	s.tlJournal = nil
	s.replyingTo = ""
}

// ─── Directory helpers (caller holds mu) ───

func (s *chatState) channelIndex(id string) int {
	return slices.IndexFunc(s.channels, func(c models.Channel) bool { return c.ID == id })
}

// bumpChannel records a message in the directory: unread count for
// channels other than the active one, then preview and ordering.
func (s *chatState) bumpChannel(i int, m *models.Message) {
	ch := &s.channels[i]
	if ch.ID != s.active && m.CreatedAt.After(ch.LastReadAt) {
		ch.UnreadCount++
	}
	if ch.ID == s.active {
		ch.UnreadCount = 0
	}
	if ch.LastMessageAt == nil || !m.CreatedAt.Before(*ch.LastMessageAt) {
		at := m.CreatedAt
		preview := previewOf(m)
		ch.LastMessageAt = &at
		ch.LastMessagePreview = &preview
	}
	sortChannels(s.channels)
}

func sortChannels(channels []models.Channel) {
	slices.SortStableFunc(channels, func(a, b models.Channel) int {
		ta, tb := activity(&a), activity(&b)
		switch {
		case ta.After(tb):
			return -1
		case ta.Before(tb):
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

func activity(c *models.Channel) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func previewOf(m *models.Message) string {
	if m.IsDeleted {
		return ""
	}
	if m.Content != "" {
		return models.Preview(m.Content)
	}
	switch m.Type {
	case models.MessageAttachment:
		if len(m.Attachments) > 0 {
			return models.Preview(m.Attachments[0].Filename)
		}
		return "[attachment]"
	case models.MessageCustom:
		return "[custom]"
	}
	return ""
}

// ─── Timeline helpers (caller holds mu) ───

// mutateTimeline applies op now and, while a load is in flight, journals
// it for replay onto the fetched sequence. Ops must be idempotent.
func (s *chatState) mutateTimeline(op func()) {
	op()
	if s.tlLoading {
		s.tlJournal = append(s.tlJournal, op)
	}
}

func (s *chatState) messageIndex(id string) int {
	return slices.IndexFunc(s.messages, func(m *models.Message) bool { return m.ID == id })
}

func (s *chatState) message(id string) *models.Message {
	if i := s.messageIndex(id); i >= 0 {
		return s.messages[i]
	}
	return nil
}

// insertSorted places m at its (CreatedAt, ID) position.
func (s *chatState) insertSorted(m *models.Message) {
	i, _ := slices.BinarySearchFunc(s.messages, m, func(a, b *models.Message) int {
		switch {
		case models.MessageLess(a, b):
			return -1
		case models.MessageLess(b, a):
			return 1
		}
		return 0
	})
	s.messages = slices.Insert(s.messages, i, m)
}

func (s *chatState) removeMessage(id string) bool {
	i := s.messageIndex(id)
	if i < 0 {
		return false
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	return true
}

// matchPending finds the optimistic entry that m confirms: same client id,
// or, for rows without one, same author, channel, type and content sent
// within window.
func (s *chatState) matchPending(m *models.Message, window time.Duration) int {
	if m.ClientID != "" {
		return slices.IndexFunc(s.messages, func(p *models.Message) bool {
			return p.Pending && p.ClientID == m.ClientID
		})
	}
	return slices.IndexFunc(s.messages, func(p *models.Message) bool {
		return p.Pending &&
			p.AuthorID == m.AuthorID &&
			p.ChannelID == m.ChannelID &&
			p.Type == m.Type &&
			p.Content == m.Content &&
			time.Since(p.CreatedAt) <= window
	})
}

// ─── Snapshots ───

func (s *chatState) directorySnapshot() []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Channel, len(s.channels))
	for i, ch := range s.channels {
		if ch.LastMessagePreview != nil {
			p := *ch.LastMessagePreview
			ch.LastMessagePreview = &p
		}
		if ch.LastMessageAt != nil {
			at := *ch.LastMessageAt
			ch.LastMessageAt = &at
		}
		out[i] = ch
	}
	return out
}

func (s *chatState) timelineSnapshot() models.TimelineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.TimelineSnapshot{
		ChannelID: s.active,
		Messages:  make([]models.Message, len(s.messages)),
	}
	for i, m := range s.messages {
		snap.Messages[i] = m.Clone()
	}
	if m := s.message(s.replyingTo); m != nil {
		c := m.Clone()
		snap.ReplyingTo = &c
	}
	return snap
}

func (s *chatState) statusSnapshot() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
