package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/metrics"
)

// ReactionService applies the viewer's reactions optimistically and
// reconciles reaction changes from other sessions.
type ReactionService struct {
	store    backend.Store
	state    *chatState
	timeline *TimelineService
	log      zerolog.Logger
}

func newReactionService(store backend.Store, state *chatState, timeline *TimelineService, log zerolog.Logger) *ReactionService {
	return &ReactionService{store: store, state: state, timeline: timeline, log: log}
}

// Add reacts to messageID with an emoji or a catalogue name.
//
// 1. Resolve and validate the emoji
// 2. Already reacted: done, nothing is sent
// 3. Show the reaction, then insert it
// 4. A duplicate from the store means it is already stored: success
// 5. Any other failure takes the reaction back off
func (r *ReactionService) Add(ctx context.Context, messageID, emoji string) error {
	row, gen, changed, err := r.optimistic(messageID, emoji, models.OpInsert)
	if err != nil || !changed {
		return err
	}

	err = r.store.InsertReaction(ctx, row)
	if err == nil || errors.Is(err, pkg.ErrConflict) {
		return nil
	}

	r.revert(gen, row, models.OpDelete)
	metrics.IntentFailures.WithLabelValues("reaction_add").Inc()
	r.log.Warn().Err(err).Str("message_id", messageID).Str("emoji", row.Emoji).Msg("reaction reverted")
	return fmt.Errorf("%w: %w", pkg.ErrReactionFailed, err)
}

// Remove takes the viewer's reaction off messageID. Removing a reaction
// that is not there is a no-op.
func (r *ReactionService) Remove(ctx context.Context, messageID, emoji string) error {
	row, gen, changed, err := r.optimistic(messageID, emoji, models.OpDelete)
	if err != nil || !changed {
		return err
	}

	if err := r.store.DeleteReaction(ctx, row); err != nil {
		r.revert(gen, row, models.OpInsert)
		metrics.IntentFailures.WithLabelValues("reaction_remove").Inc()
		r.log.Warn().Err(err).Str("message_id", messageID).Str("emoji", row.Emoji).Msg("reaction restored")
		return fmt.Errorf("%w: %w", pkg.ErrReactionFailed, err)
	}
	return nil
}

// optimistic applies op locally. changed is false when the ledger already
// was in the target state.
func (r *ReactionService) optimistic(messageID, emoji string, op models.ChangeOp) (models.ReactionRow, uint64, bool, error) {
	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()

	row := models.ReactionRow{
		MessageID: messageID,
		UserID:    st.self.ID,
		Emoji:     models.LookupReaction(emoji),
	}
	if err := row.Validate(); err != nil {
		return row, 0, false, fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}

	m := st.message(messageID)
	if m == nil || m.Pending || m.IsDeleted {
		return row, 0, false, fmt.Errorf("%w: message %s", pkg.ErrNotFound, messageID)
	}
	row.ChannelID = m.ChannelID

	present := hasReaction(m.Reactions, row.Emoji, row.UserID)
	if (op == models.OpInsert) == present {
		return row, 0, false, nil
	}
	st.mutateTimeline(func() {
		if m := st.message(row.MessageID); m != nil {
			applyTuple(m, op, row)
		}
	})
	st.notify(models.ChangeTimeline, m.ChannelID)
	return row, st.activeGen, true, nil
}

// revert undoes an optimistic change if the same selection is still shown.
func (r *ReactionService) revert(gen uint64, row models.ReactionRow, op models.ChangeOp) {
	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.activeGen != gen {
		return
	}
	st.mutateTimeline(func() {
		if m := st.message(row.MessageID); m != nil {
			applyTuple(m, op, row)
		}
	})
	st.notify(models.ChangeTimeline, row.ChannelID)
}

// applyEvent applies a reaction change delivered by the feed.
func (r *ReactionService) applyEvent(tag string, op models.ChangeOp, row models.ReactionRow) {
	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.isActive(tag) || (row.ChannelID != "" && row.ChannelID != tag) {
		metrics.EventsDiscarded.WithLabelValues(models.TableReactions, "stale").Inc()
		return
	}
	changed := false
	st.mutateTimeline(func() {
		m := st.message(row.MessageID)
		if m == nil {
			if !st.tlLoading {
				r.timeline.deferReaction(op, row)
			}
			return
		}
		changed = applyTuple(m, op, row)
	})
	// Echoes of our own optimistic changes land here with nothing to do.
	if !changed {
		metrics.EventsDiscarded.WithLabelValues(models.TableReactions, "unchanged").Inc()
		return
	}
	metrics.EventsApplied.WithLabelValues(models.TableReactions, string(op)).Inc()
	st.notify(models.ChangeTimeline, tag)
}

// applyTuple adds or removes one (emoji, user) tuple on m and reports
// whether the ledger changed.
func applyTuple(m *models.Message, op models.ChangeOp, row models.ReactionRow) bool {
	var changed bool
	switch op {
	case models.OpInsert:
		m.Reactions, changed = addReaction(m.Reactions, row.Emoji, row.UserID)
	case models.OpDelete:
		m.Reactions, changed = removeReaction(m.Reactions, row.Emoji, row.UserID)
	}
	return changed
}
