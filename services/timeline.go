package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/cache"
	"github.com/akinalp/chatsync/pkg/metrics"
)

// deferredTTL bounds how long an update waits for the insert it modifies.
const deferredTTL = 2 * time.Minute

// pendingPrefix marks local placeholder ids of optimistic sends.
const pendingPrefix = "pending:"

type reactionOp struct {
	op  models.ChangeOp
	row models.ReactionRow
}

// TimelineService owns the message sequence of the active channel.
type TimelineService struct {
	store     backend.Store
	state     *chatState
	directory *DirectoryService
	tasks     *tasks
	cfg       config.SessionConfig
	log       zerolog.Logger

	authors *cache.TTLCache[string, *models.User]
	// changes that arrived before the message they modify
	deferredUpdates   *cache.TTLCache[string, models.Message]
	deferredReactions *cache.TTLCache[string, []reactionOp]

	loadMu sync.Mutex
}

func newTimelineService(
	store backend.Store,
	state *chatState,
	directory *DirectoryService,
	tasks *tasks,
	cfg config.SessionConfig,
	log zerolog.Logger,
) *TimelineService {
	return &TimelineService{
		store:             store,
		state:             state,
		directory:         directory,
		tasks:             tasks,
		cfg:               cfg,
		log:               log,
		authors:           cache.New[string, *models.User](cfg.AuthorCacheTTL, time.Minute),
		deferredUpdates:   cache.New[string, models.Message](deferredTTL, time.Minute),
		deferredReactions: cache.New[string, []reactionOp](deferredTTL, time.Minute),
	}
}

// Load replaces the timeline with the backend's view of channelID.
//
// Results for a channel that is no longer active, or that was re-selected
// meanwhile, are dropped. Pending sends survive the reload and mutations
// applied while the fetch was in flight are replayed on top.
func (t *TimelineService) Load(ctx context.Context, channelID string) error {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	st := t.state
	st.mu.Lock()
	if st.active != channelID {
		st.mu.Unlock()
		return nil
	}
	gen := st.activeGen
	st.tlLoading = true
	st.tlJournal = nil
	st.mu.Unlock()

	fetched, err := t.store.FetchMessages(ctx, channelID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.activeGen != gen {
		t.log.Debug().Str("channel_id", channelID).Msg("discarding stale timeline load")
		return nil
	}
	journal := st.tlJournal
	st.tlLoading = false
	st.tlJournal = nil
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	list := make([]*models.Message, 0, len(fetched)+1)
	for i := range fetched {
		m := fetched[i]
		t.deferredUpdates.Delete(m.ID)
		t.deferredReactions.Delete(m.ID)
		list = append(list, &m)
	}
	slices.SortStableFunc(list, compareMessages)

	var pending []*models.Message
	for _, m := range st.messages {
		if m.Pending {
			pending = append(pending, m)
		}
	}
	st.messages = list
	for _, p := range pending {
		if !slices.ContainsFunc(list, func(m *models.Message) bool { return m.ClientID == p.ClientID }) {
			st.insertSorted(p)
		}
	}
	for _, op := range journal {
		op()
	}
	if st.message(st.replyingTo) == nil {
		st.replyingTo = ""
	}
	st.notify(models.ChangeTimeline, channelID)

	t.log.Debug().
		Str("channel_id", channelID).
		Int("messages", len(fetched)).
		Int("pending", len(pending)).
		Int("replayed", len(journal)).
		Msg("timeline loaded")
	return nil
}

func compareMessages(a, b *models.Message) int {
	switch {
	case models.MessageLess(a, b):
		return -1
	case models.MessageLess(b, a):
		return 1
	}
	return 0
}

// Send posts a message to channelID.
//
// 1. Validate (nothing is shown or sent on failure)
// 2. Build the type's metadata; a reply quotes a local message of the same channel
// 3. Show a pending entry if the channel is active
// 4. Insert; on failure remove the pending entry
// 5. Replace the pending entry with the stored record
//
// The insert notification may arrive before step 5. Either path replaces
// the pending entry; the other finds nothing left to do.
func (t *TimelineService) Send(ctx context.Context, req models.SendMessageRequest) (*models.Message, error) {
	// 1. Validate
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}

	st := t.state
	st.mu.Lock()
	if st.channelIndex(req.ChannelID) < 0 {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %s", pkg.ErrNotFound, req.ChannelID)
	}

	// 2. Metadata
	meta, replyTo, err := t.buildMetadata(&req)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	raw, err := models.EncodeMetadata(meta)
	if err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}

	self := st.self
	clientID := uuid.NewString()
	row := models.MessageRow{
		ClientID:  clientID,
		ChannelID: req.ChannelID,
		AuthorID:  self.ID,
		Type:      req.Type,
		Content:   req.Content,
		Metadata:  raw,
		ReplyToID: replyTo,
	}

	// 3. Pending entry
	pendingID := pendingPrefix + clientID
	shown := st.active == req.ChannelID
	if shown {
		p := &models.Message{
			ID:        pendingID,
			ClientID:  clientID,
			ChannelID: req.ChannelID,
			AuthorID:  self.ID,
			Author:    &self,
			Type:      req.Type,
			Content:   req.Content,
			Metadata:  meta,
			ReplyToID: replyTo,
			CreatedAt: time.Now().UTC(),
			Pending:   true,
		}
		st.mutateTimeline(func() {
			if st.message(pendingID) == nil && !slices.ContainsFunc(st.messages, func(m *models.Message) bool {
				return !m.Pending && m.ClientID == clientID
			}) {
				st.insertSorted(p)
			}
		})
		st.notify(models.ChangeTimeline, req.ChannelID)
	}
	st.mu.Unlock()

	// 4. Insert
	confirmed, err := t.store.InsertMessage(ctx, row, req.Attachments)
	if err != nil {
		if shown {
			st.mu.Lock()
			st.mutateTimeline(func() { st.removeMessage(pendingID) })
			st.notify(models.ChangeTimeline, req.ChannelID)
			st.mu.Unlock()
		}
		metrics.IntentFailures.WithLabelValues("send").Inc()
		t.log.Warn().Err(err).Str("channel_id", req.ChannelID).Msg("send failed, pending entry removed")
		return nil, fmt.Errorf("%w: %w", pkg.ErrSendFailed, err)
	}
	if confirmed.Author == nil {
		confirmed.Author = &self
	}

	// 5. Replace
	st.mu.Lock()
	if st.active == req.ChannelID {
		msg := confirmed.Clone()
		st.mutateTimeline(func() { t.upsert(msg) })
		st.notify(models.ChangeTimeline, req.ChannelID)
	}
	if req.Type == models.MessageReply && st.replyingTo == req.ReplyToID {
		st.replyingTo = ""
	}
	st.mu.Unlock()

	out := confirmed.Clone()
	return &out, nil
}

// buildMetadata derives the typed metadata of a send. Caller holds mu.
func (t *TimelineService) buildMetadata(req *models.SendMessageRequest) (models.Metadata, *string, error) {
	switch req.Type {
	case models.MessageReply:
		target := t.state.message(req.ReplyToID)
		if target == nil || target.Pending {
			return nil, nil, fmt.Errorf("%w: reply target %s", pkg.ErrNotFound, req.ReplyToID)
		}
		if target.ChannelID != req.ChannelID {
			return nil, nil, fmt.Errorf("%w: reply target is in another channel", pkg.ErrValidation)
		}
		id := target.ID
		return models.ReplyMetadata{
			QuotedID:       target.ID,
			QuotedAuthorID: target.AuthorID,
			Snippet:        models.Preview(target.Content),
		}, &id, nil
	case models.MessageAttachment:
		return models.AttachmentMetadata{Caption: req.Caption}, nil, nil
	case models.MessageCustom:
		meta := models.CustomMetadata{}
		for k, v := range req.Custom {
			meta[k] = v
		}
		return meta, nil, nil
	}
	return nil, nil, nil
}

// Edit replaces a message's content. The local copy changes only when the
// update notification arrives.
func (t *TimelineService) Edit(ctx context.Context, messageID, content string) error {
	req := models.EditMessageRequest{Content: content}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}
	if err := t.requireLive(messageID); err != nil {
		return err
	}
	if err := t.store.UpdateMessage(ctx, messageID, models.EditPatch(req.Content)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// Delete logically deletes a message. Like Edit it waits for the
// notification.
func (t *TimelineService) Delete(ctx context.Context, messageID string) error {
	if err := t.requireLive(messageID); err != nil {
		return err
	}
	if err := t.store.UpdateMessage(ctx, messageID, models.DeletePatch()); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// requireLive checks that messageID is a confirmed, undeleted message of
// the local timeline.
func (t *TimelineService) requireLive(messageID string) error {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	m := st.message(messageID)
	if m == nil || m.Pending || m.IsDeleted {
		return fmt.Errorf("%w: message %s", pkg.ErrNotFound, messageID)
	}
	return nil
}

// SetReplyingTo marks a message of the active timeline as the reply
// target. An empty id clears it.
func (t *TimelineService) SetReplyingTo(messageID string) error {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if messageID != "" {
		m := st.message(messageID)
		if m == nil || m.Pending || m.IsDeleted {
			return fmt.Errorf("%w: message %s", pkg.ErrNotFound, messageID)
		}
	}
	st.replyingTo = messageID
	st.notify(models.ChangeTimeline, st.active)
	return nil
}

// ─── Notifications ───

// applyInsert adds a confirmed message to the active timeline.
//
// 1. Attribute the author (cache, then a lookup); unattributable messages are dropped
// 2. Hydrate attachments the notification did not carry
// 3. Replace a matching pending entry or insert at the sorted position
// 4. Advance the read cursor past it
func (t *TimelineService) applyInsert(ctx context.Context, tag string, msg models.Message) {
	// 1. Attribution
	author, err := t.resolveAuthor(ctx, msg.AuthorID)
	if err != nil {
		metrics.AttributionFailures.Inc()
		t.log.Warn().
			Err(fmt.Errorf("%w: %w", pkg.ErrAttribution, err)).
			Str("message_id", msg.ID).
			Str("author_id", msg.AuthorID).
			Msg("dropping message insert")
		return
	}
	msg.Author = author

	// 2. Attachments
	if msg.Type == models.MessageAttachment && len(msg.Attachments) == 0 {
		rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		atts, err := t.store.FetchAttachments(rctx, msg.ID)
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Str("message_id", msg.ID).Msg("attachment lookup failed")
		} else {
			msg.Attachments = atts
		}
	}

	// 3. Apply
	st := t.state
	st.mu.Lock()
	if !st.isActive(tag) || msg.ChannelID != tag {
		st.mu.Unlock()
		metrics.EventsDiscarded.WithLabelValues(models.TableMessages, "stale").Inc()
		return
	}
	st.mutateTimeline(func() { t.upsert(msg) })
	if i := st.channelIndex(msg.ChannelID); i >= 0 {
		st.bumpChannel(i, &msg)
	}
	st.notify(models.ChangeTimeline, msg.ChannelID)
	st.notify(models.ChangeDirectory, msg.ChannelID)
	st.mu.Unlock()
	metrics.EventsApplied.WithLabelValues(models.TableMessages, string(models.OpInsert)).Inc()

	// 4. Cursor
	at := time.Now().UTC()
	if msg.CreatedAt.After(at) {
		at = msg.CreatedAt
	}
	t.tasks.Go(func(ctx context.Context) {
		if err := t.directory.AdvanceCursor(ctx, tag, at); err != nil {
			t.log.Warn().Err(err).Str("channel_id", tag).Msg("read cursor not advanced")
		}
	})
}

// upsert inserts a confirmed message once, replacing its pending entry
// and applying changes that arrived ahead of it. Caller holds mu.
func (t *TimelineService) upsert(msg models.Message) {
	st := t.state
	if st.message(msg.ID) != nil {
		if msg.ClientID != "" {
			if i := st.matchPending(&msg, t.cfg.DedupWindow); i >= 0 {
				st.messages = slices.Delete(st.messages, i, i+1)
			}
		}
		return
	}
	if i := st.matchPending(&msg, t.cfg.DedupWindow); i >= 0 {
		st.messages = slices.Delete(st.messages, i, i+1)
	}

	m := msg.Clone()
	if u, ok := t.deferredUpdates.Take(m.ID); ok {
		patchMessage(&m, &u)
	}
	if ops, ok := t.deferredReactions.Take(m.ID); ok {
		for _, op := range ops {
			applyTuple(&m, op.op, op.row)
		}
	}
	st.insertSorted(&m)
}

// applyUpdate patches a message in place, or holds the update until the
// message shows up.
func (t *TimelineService) applyUpdate(tag string, msg models.Message) {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.isActive(tag) || msg.ChannelID != tag {
		metrics.EventsDiscarded.WithLabelValues(models.TableMessages, "stale").Inc()
		return
	}
	st.mutateTimeline(func() {
		m := st.message(msg.ID)
		if m == nil {
			// While loading, the journal replays this op onto the fetched list.
			if !st.tlLoading {
				t.deferredUpdates.Set(msg.ID, msg)
			}
			return
		}
		patchMessage(m, &msg)
		if m.IsDeleted && st.replyingTo == m.ID {
			st.replyingTo = ""
		}
	})
	metrics.EventsApplied.WithLabelValues(models.TableMessages, string(models.OpUpdate)).Inc()
	st.notify(models.ChangeTimeline, tag)
}

// deferReaction holds a reaction change for a message not yet loaded.
// Caller holds mu.
func (t *TimelineService) deferReaction(op models.ChangeOp, row models.ReactionRow) {
	ops, _ := t.deferredReactions.Get(row.MessageID)
	t.deferredReactions.Set(row.MessageID, append(slices.Clone(ops), reactionOp{op: op, row: row}))
}

// reload schedules a full timeline load of tag if it is still active.
func (t *TimelineService) reload(tag string) {
	t.tasks.Go(func(ctx context.Context) {
		if t.state.activeID() != tag {
			return
		}
		if err := t.Load(ctx, tag); err != nil {
			if ctx.Err() == nil {
				t.log.Warn().Err(err).Str("channel_id", tag).Msg("timeline reload failed")
			}
			return
		}
		if err := t.markRead(ctx, tag); err != nil {
			t.log.Warn().Err(err).Str("channel_id", tag).Msg("read cursor not advanced")
		}
	})
}

// markRead advances the read cursor of the active channel past its newest
// loaded message. It does nothing once channelID is no longer active.
func (t *TimelineService) markRead(ctx context.Context, channelID string) error {
	at := time.Now().UTC()
	st := t.state
	st.mu.Lock()
	if st.active != channelID {
		st.mu.Unlock()
		return nil
	}
	if n := len(st.messages); n > 0 {
		if newest := st.messages[n-1].CreatedAt; newest.After(at) {
			at = newest
		}
	}
	st.mu.Unlock()
	return t.directory.AdvanceCursor(ctx, channelID, at)
}

func (t *TimelineService) resolveAuthor(ctx context.Context, userID string) (*models.User, error) {
	t.state.mu.Lock()
	self := t.state.self
	t.state.mu.Unlock()
	if userID == self.ID {
		return &self, nil
	}
	if u, ok := t.authors.Get(userID); ok {
		c := *u
		return &c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	u, err := t.store.FetchUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	t.authors.Set(userID, u)
	c := *u
	return &c, nil
}

func (t *TimelineService) close() {
	t.authors.Close()
	t.deferredUpdates.Close()
	t.deferredReactions.Close()
}

// patchMessage copies the mutable columns of an update row.
func patchMessage(m, update *models.Message) {
	m.Content = update.Content
	m.IsEdited = update.IsEdited
	m.IsDeleted = update.IsDeleted
	if update.Metadata != nil {
		m.Metadata = update.Metadata
	}
	if m.IsDeleted {
		m.Content = ""
	}
}
