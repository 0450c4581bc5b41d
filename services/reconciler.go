package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg/metrics"
)

type queueItem struct {
	ev      models.ChangeEvent
	tag     string
	barrier chan struct{}
}

// Reconciler turns change events into state mutations.
//
// Two feeds are watched. The directory feed (channels, the viewer's
// memberships) only ever triggers a coalesced directory reload. The
// message feed (messages, reactions of the active channel) is replaced on
// every channel switch; its events are tagged with the channel they were
// subscribed for and discarded once that channel is no longer active.
//
// Events go through one bounded queue and are applied by one goroutine in
// arrival order.
type Reconciler struct {
	store     backend.Subscriber
	state     *chatState
	directory *DirectoryService
	timeline  *TimelineService
	reactions *ReactionService
	reload    *coalescer
	cfg       config.SessionConfig
	log       zerolog.Logger

	queue chan queueItem
	done  chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	dirFeed *feedWatcher
	msgFeed *feedWatcher
	stopped bool
}

func newReconciler(
	store backend.Subscriber,
	state *chatState,
	directory *DirectoryService,
	timeline *TimelineService,
	reactions *ReactionService,
	reload *coalescer,
	cfg config.SessionConfig,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		store:     store,
		state:     state,
		directory: directory,
		timeline:  timeline,
		reactions: reactions,
		reload:    reload,
		cfg:       cfg,
		log:       log,
		queue:     make(chan queueItem, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// Start runs the apply loop and subscribes the directory feed.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	go r.run(ctx)

	userID := r.state.selfID()
	r.dirFeed = newFeedWatcher(r, feedDirectory, "", []feedTarget{
		{table: models.TableChannels},
		{table: models.TableMembers, filter: models.Filter{Column: "user_id", Value: userID}},
	})
	r.dirFeed.start(ctx)
}

// Retarget replaces the message feed with one for channelID. The old
// subscriptions are released before the new ones are made; an empty id
// only releases.
func (r *Reconciler) Retarget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.msgFeed != nil {
		r.msgFeed.stop()
		r.msgFeed = nil
	}
	if channelID == "" {
		r.setFeedState(feedMessages, models.FeedIdle)
		return
	}
	r.msgFeed = newFeedWatcher(r, feedMessages, channelID, []feedTarget{
		{table: models.TableMessages},
		{table: models.TableReactions, filter: models.Filter{Column: "channel_id", Value: channelID}},
	})
	r.msgFeed.start(r.ctx)
}

// Stop releases every subscription and waits for the apply loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	feeds := []*feedWatcher{r.dirFeed, r.msgFeed}
	r.dirFeed, r.msgFeed = nil, nil
	r.mu.Unlock()

	for _, w := range feeds {
		if w != nil {
			w.stop()
		}
	}
	if r.ctx != nil {
		<-r.done
	}
}

// Flush returns once every event queued before the call has been applied.
func (r *Reconciler) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case r.queue <- queueItem{barrier: barrier}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue never blocks; false means the queue is full.
func (r *Reconciler) enqueue(it queueItem) bool {
	select {
	case r.queue <- it:
		return true
	default:
		return false
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.queue:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			r.apply(ctx, it)
		}
	}
}

// apply routes one event.
//
//	channels                -> directory reload
//	channel_members         -> directory reload (cursor updates ignored)
//	messages insert         -> timeline (active channel) or directory unread
//	messages update         -> timeline, in place
//	messages delete         -> timeline reload
//	message_reactions       -> reaction ledger
func (r *Reconciler) apply(ctx context.Context, it queueItem) {
	ev := it.ev
	switch ev.Table {
	case models.TableChannels:
		r.reload.Request()
		metrics.EventsApplied.WithLabelValues(ev.Table, string(ev.Op)).Inc()

	case models.TableMembers:
		if ev.Op == models.OpUpdate {
			metrics.EventsDiscarded.WithLabelValues(ev.Table, "cursor").Inc()
			return
		}
		r.reload.Request()
		metrics.EventsApplied.WithLabelValues(ev.Table, string(ev.Op)).Inc()

	case models.TableMessages:
		r.applyMessage(ctx, it)

	case models.TableReactions:
		r.applyReaction(it)

	default:
		metrics.EventsDiscarded.WithLabelValues(ev.Table, "unknown_table").Inc()
	}
}

func (r *Reconciler) applyMessage(ctx context.Context, it queueItem) {
	ev := it.ev
	if !r.isCurrent(it.tag) {
		metrics.EventsDiscarded.WithLabelValues(ev.Table, "stale").Inc()
		return
	}

	if ev.Op == models.OpDelete {
		// Rows are only deleted out of band; the slot is gone, reload.
		if ch := ev.Field("channel_id"); ch == "" || ch == it.tag {
			metrics.EventsApplied.WithLabelValues(ev.Table, string(ev.Op)).Inc()
			r.timeline.reload(it.tag)
		}
		return
	}

	var row models.MessageRow
	if err := ev.Decode(&row); err != nil {
		r.malformed(ev, err)
		return
	}
	msg, err := row.Message()
	if err != nil {
		r.malformed(ev, err)
		return
	}

	switch ev.Op {
	case models.OpInsert:
		if msg.ChannelID != it.tag {
			r.directory.applyForeignInsert(msg)
			return
		}
		r.timeline.applyInsert(ctx, it.tag, msg)
	case models.OpUpdate:
		if msg.ChannelID != it.tag {
			metrics.EventsDiscarded.WithLabelValues(ev.Table, "not_active").Inc()
			return
		}
		r.timeline.applyUpdate(it.tag, msg)
	}
}

func (r *Reconciler) applyReaction(it queueItem) {
	ev := it.ev
	if !r.isCurrent(it.tag) {
		metrics.EventsDiscarded.WithLabelValues(ev.Table, "stale").Inc()
		return
	}
	var row models.ReactionRow
	if err := ev.Decode(&row); err != nil {
		r.malformed(ev, err)
		return
	}
	if err := row.Validate(); err != nil {
		r.malformed(ev, err)
		return
	}
	r.reactions.applyEvent(it.tag, ev.Op, row)
}

func (r *Reconciler) malformed(ev models.ChangeEvent, err error) {
	metrics.EventsDiscarded.WithLabelValues(ev.Table, "malformed").Inc()
	r.log.Warn().Err(err).Str("table", ev.Table).Str("op", string(ev.Op)).Msg("dropping malformed event")
}

func (r *Reconciler) isCurrent(tag string) bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return r.state.isActive(tag)
}

// ─── Feed callbacks ───

func (r *Reconciler) setFeedState(feed string, state models.FeedState) {
	metrics.SetFeedState(feed, state)

	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()
	switch feed {
	case feedDirectory:
		st.status.Directory = state
	case feedMessages:
		st.status.Messages = state
	}
	st.notify(models.ChangeConnection, "")
}

// feedUp marks a feed active and clears the failure streak.
func (r *Reconciler) feedUp(feed string) {
	r.setFeedState(feed, models.FeedActive)

	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status.Failures > 0 || st.status.Disconnected {
		if st.status.Disconnected {
			r.log.Info().Str("feed", feed).Msg("realtime connection restored")
		}
		st.status.Failures = 0
		st.status.Disconnected = false
		st.notify(models.ChangeConnection, "")
	}
}

// feedDown records a failure. Enough consecutive failures mark the
// session disconnected; retries continue regardless.
func (r *Reconciler) feedDown(feed string) {
	r.setFeedState(feed, models.FeedError)

	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.Failures++
	if !st.status.Disconnected && st.status.Failures >= r.cfg.MaxReconnectAttempts {
		st.status.Disconnected = true
		r.log.Error().Int("failures", st.status.Failures).Msg("realtime connection lost")
	}
	st.notify(models.ChangeConnection, "")
}

// resubscribed recovers whatever the feed missed while it was down.
func (r *Reconciler) resubscribed(feed, tag string) {
	metrics.FullReloads.WithLabelValues(feed).Inc()
	r.log.Info().Str("feed", feed).Str("tag", tag).Msg("resubscribed, reloading")

	r.reload.Request()
	if feed == feedMessages {
		r.timeline.reload(tag)
	}
}
