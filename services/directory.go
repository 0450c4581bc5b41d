package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/cache"
	"github.com/akinalp/chatsync/pkg/metrics"
)

// seenTTL bounds how long a counted message id is remembered. Duplicate
// deliveries of the same insert arrive well within it.
const seenTTL = 10 * time.Minute

// DirectoryService keeps the list of channels the viewer belongs to, with
// previews, unread counts and read cursors.
type DirectoryService struct {
	store backend.Store
	state *chatState
	log   zerolog.Logger

	// message ids already counted as unread
	seen *cache.TTLCache[string, struct{}]

	loadMu sync.Mutex
}

// loadResult tells the session what to do after a directory load.
type loadResult struct {
	// first listed channel, set only when nothing is active
	first string
	// the active channel is no longer listed
	activeGone bool
}

// newDirectoryService, constructor.
func newDirectoryService(store backend.Store, state *chatState, log zerolog.Logger) *DirectoryService {
	return &DirectoryService{
		store: store,
		state: state,
		log:   log,
		seen:  cache.New[string, struct{}](seenTTL, time.Minute),
	}
}

// Load replaces the directory with the backend's view.
//
// 1. Mark a load in flight so foreign inserts are journaled
// 2. Fetch the viewer's channels (preview + unread aggregated server-side)
// 3. Install wholesale; the active channel stays at zero unread
// 4. Re-apply journaled inserts the fetch did not cover
//
// Loads are serialised; a later load always installs after an earlier one.
func (d *DirectoryService) Load(ctx context.Context) (loadResult, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	d.state.mu.Lock()
	d.state.dirLoading = true
	d.state.dirJournal = nil
	userID := d.state.self.ID
	d.state.mu.Unlock()

	channels, err := d.store.FetchChannelsForUser(ctx, userID)

	st := d.state
	st.mu.Lock()
	defer st.mu.Unlock()

	journal := st.dirJournal
	st.dirLoading = false
	st.dirJournal = nil
	if err != nil {
		return loadResult{}, fmt.Errorf("load channels: %w", err)
	}

	for i := range channels {
		if channels[i].ID == st.active {
			channels[i].UnreadCount = 0
		}
	}
	sortChannels(channels)
	st.channels = channels

	for i := range journal {
		m := &journal[i]
		idx := st.channelIndex(m.ChannelID)
		if idx < 0 {
			continue
		}
		if at := st.channels[idx].LastMessageAt; at == nil || m.CreatedAt.After(*at) {
			st.bumpChannel(idx, m)
		}
	}

	var res loadResult
	switch {
	case st.active != "" && st.channelIndex(st.active) < 0:
		res.activeGone = true
	case st.active == "" && len(st.channels) > 0:
		res.first = st.channels[0].ID
	}
	st.notify(models.ChangeDirectory, "")

	d.log.Debug().Int("channels", len(channels)).Int("replayed", len(journal)).Msg("directory loaded")
	return res, nil
}

// applyForeignInsert counts a message for a channel other than the active
// one: unread count, preview, ordering. Each message id counts once.
func (d *DirectoryService) applyForeignInsert(m models.Message) {
	if !d.seen.Add(m.ID, struct{}{}) {
		metrics.EventsDiscarded.WithLabelValues(models.TableMessages, "duplicate").Inc()
		return
	}

	st := d.state
	st.mu.Lock()
	defer st.mu.Unlock()

	i := st.channelIndex(m.ChannelID)
	if i < 0 {
		// Not a member, or the directory has not caught up yet. A
		// membership insert triggers a reload that brings the count.
		metrics.EventsDiscarded.WithLabelValues(models.TableMessages, "unknown_channel").Inc()
		return
	}
	st.bumpChannel(i, &m)
	if st.dirLoading {
		st.dirJournal = append(st.dirJournal, m)
	}
	metrics.EventsApplied.WithLabelValues(models.TableMessages, string(models.OpInsert)).Inc()
	st.notify(models.ChangeDirectory, m.ChannelID)
}

// AdvanceCursor moves the viewer's read cursor for channelID to at. The
// local copy moves first; the backend never moves it backwards.
func (d *DirectoryService) AdvanceCursor(ctx context.Context, channelID string, at time.Time) error {
	st := d.state
	st.mu.Lock()
	userID := st.self.ID
	if i := st.channelIndex(channelID); i >= 0 {
		ch := &st.channels[i]
		if at.After(ch.LastReadAt) {
			ch.LastReadAt = at
		}
		if ch.ID == st.active {
			ch.UnreadCount = 0
		}
	}
	st.mu.Unlock()

	if err := d.store.UpdateMembership(ctx, channelID, userID, at); err != nil {
		metrics.IntentFailures.WithLabelValues("read_cursor").Inc()
		return fmt.Errorf("advance read cursor: %w", err)
	}
	return nil
}

// Create makes a channel owned by the viewer. The backend inserts the owner
// membership in the same transaction.
func (d *DirectoryService) Create(ctx context.Context, title string, avatarURL *string) (*models.Channel, error) {
	req := models.CreateChannelRequest{Title: title, AvatarURL: avatarURL}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}

	st := d.state
	st.mu.Lock()
	userID := st.self.ID
	st.mu.Unlock()

	ch, err := d.store.InsertChannel(ctx, models.ChannelRow{
		Title:     req.Title,
		AvatarURL: req.AvatarURL,
		CreatedBy: userID,
	})
	if errors.Is(err, pkg.ErrConflict) {
		return nil, fmt.Errorf("%w: %q", pkg.ErrDuplicateTitle, req.Title)
	}
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	st.mu.Lock()
	if st.channelIndex(ch.ID) < 0 {
		st.channels = append(st.channels, *ch)
		sortChannels(st.channels)
		st.notify(models.ChangeDirectory, ch.ID)
	}
	st.mu.Unlock()

	d.log.Info().Str("channel_id", ch.ID).Str("title", ch.Title).Msg("channel created")
	return ch, nil
}

// AddMember invites userID into channelID. The new member's cursor starts
// at now, so history before the invite is not counted as unread.
func (d *DirectoryService) AddMember(ctx context.Context, channelID, userID string, role models.MemberRole) error {
	req := models.AddMemberRequest{ChannelID: channelID, UserID: userID, Role: role}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}

	err := d.store.InsertMembership(ctx, models.Membership{
		ChannelID:  req.ChannelID,
		UserID:     req.UserID,
		Role:       req.Role,
		LastReadAt: time.Now().UTC(),
	})
	if errors.Is(err, pkg.ErrConflict) {
		return fmt.Errorf("%w: user %s in channel %s", pkg.ErrAlreadyMember, req.UserID, req.ChannelID)
	}
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// SearchUsers finds invite candidates by username or display name.
func (d *DirectoryService) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.User{}, nil
	}
	users, err := d.store.SearchUsers(ctx, query, models.UserSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// NonMembers filters users down to those not yet in channelID.
func (d *DirectoryService) NonMembers(ctx context.Context, channelID string, users []models.User) ([]models.User, error) {
	ids, err := d.store.FetchMemberIDs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if !slices.Contains(ids, u.ID) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *DirectoryService) close() {
	d.seen.Close()
}
