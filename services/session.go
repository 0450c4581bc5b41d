// Package services holds the client session: the channel directory, the
// active channel's timeline, the reaction ledger and the reconciler that
// merges change events into them.
//
// State lives in one place and is only mutated by the session's own
// components. Presentation code reads snapshots and listens on Changes.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
)

// Session is one signed-in user's view of the chat.
//
//	s, _ := services.NewSession(store, cfg.Session, log)
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Close()
//	s.Select(ctx, channelID)
//	s.Send(ctx, models.SendMessageRequest{ChannelID: channelID, Content: "hi"})
type Session struct {
	store backend.Store
	cfg   config.SessionConfig
	log   zerolog.Logger

	state      *chatState
	tasks      *tasks
	directory  *DirectoryService
	timeline   *TimelineService
	reactions  *ReactionService
	reconciler *Reconciler
	reload     *coalescer

	// loopMu orders starting the background loops against stopping them.
	loopMu     sync.Mutex
	cancel     context.CancelFunc
	reloadDone chan struct{}
	selectMu   sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSession, constructor. Zero config values fall back to the defaults.
func NewSession(store backend.Store, cfg config.SessionConfig, log zerolog.Logger) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%w: session needs a user id", pkg.ErrValidation)
	}
	cfg = withDefaults(cfg)

	s := &Session{
		store: store,
		cfg:   cfg,
		log:   logger.Component(log, "session").With().Str("user_id", cfg.UserID).Logger(),
		state: newChatState(),
	}
	s.state.self.ID = cfg.UserID
	s.tasks = newTasks(context.Background())
	s.directory = newDirectoryService(store, s.state, logger.Component(log, "directory"))
	s.timeline = newTimelineService(store, s.state, s.directory, s.tasks, cfg, logger.Component(log, "timeline"))
	s.reactions = newReactionService(store, s.state, s.timeline, logger.Component(log, "reactions"))
	s.reload = newCoalescer(cfg.ReloadInterval, s.reloadDirectory, logger.Component(log, "directory"))
	s.reconciler = newReconciler(store, s.state, s.directory, s.timeline, s.reactions, s.reload, cfg,
		logger.Component(log, "reconciler"))
	return s, nil
}

func withDefaults(cfg config.SessionConfig) config.SessionConfig {
	def := config.Default().Session
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffMin)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.AuthorCacheTTL <= 0 {
		cfg.AuthorCacheTTL = def.AuthorCacheTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return cfg
}

// Start brings the session up.
//
// 1. Fetch the viewer's profile
// 2. Start the apply loop, the reload coalescer and the directory feed
// 3. Load the directory (the feed is already live, nothing falls in between)
// 4. Select the first channel when configured to
//
// A failed Start still needs Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pkg.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// 1. Profile
	self, err := s.store.FetchUser(ctx, s.cfg.UserID)
	if err != nil {
		return fmt.Errorf("fetch session user: %w", err)
	}
	s.state.mu.Lock()
	s.state.self = *self
	s.state.mu.Unlock()

	// 2. Background loops
	if err := s.startLoops(); err != nil {
		return err
	}

	// 3-4. Directory
	if err := s.reloadDirectory(ctx); err != nil {
		return err
	}
	s.log.Info().Str("username", self.Username).Msg("session started")
	return nil
}

// Close stops every subscription and background task and ends Changes.
// Intents after Close fail with pkg.ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.stopLoops()
	}
	s.tasks.Stop()
	s.directory.close()
	s.timeline.close()

	s.state.mu.Lock()
	s.state.status.Directory = models.FeedClosed
	s.state.status.Messages = models.FeedClosed
	s.state.close()
	s.state.mu.Unlock()

	s.log.Info().Msg("session closed")
	return nil
}

// startLoops runs the reload coalescer and the reconciler unless Close
// got there first.
func (s *Session) startLoops() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return pkg.ErrClosed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.reloadDone = done
	go func() {
		defer close(done)
		s.reload.run(runCtx)
	}()
	s.reconciler.Start(runCtx)
	return nil
}

// stopLoops waits for a concurrent startLoops, then stops what it started.
func (s *Session) stopLoops() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.reloadDone
	s.reconciler.Stop()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkg.ErrClosed
	}
	if !s.started {
		return fmt.Errorf("%w: session not started", pkg.ErrValidation)
	}
	return nil
}

// reloadDirectory loads the directory and follows up on what changed:
// a vanished active channel is released, and with nothing active the
// first channel is selected when configured to.
func (s *Session) reloadDirectory(ctx context.Context) error {
	res, err := s.directory.Load(ctx)
	if err != nil {
		return err
	}
	if res.activeGone {
		s.log.Info().Msg("active channel left the directory")
		s.deselect()
	}
	if res.first != "" && s.cfg.AutoSelect {
		if err := s.selectIfIdle(ctx, res.first); err != nil {
			s.log.Warn().Err(err).Str("channel_id", res.first).Msg("auto-select failed")
		}
	}
	return nil
}

// Select makes channelID the active channel. Unknown channels are ignored.
//
// 1. Mark active and zero its unread count, in one step
// 2. Swap the message feed over to the channel (old one released first)
// 3. Refresh the directory, covering inserts missed during the swap
// 4. Load the timeline
// 5. Advance the read cursor past the newest message
func (s *Session) Select(ctx context.Context, channelID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.selectMu.Lock()
	defer s.selectMu.Unlock()
	return s.selectLocked(ctx, channelID)
}

func (s *Session) selectIfIdle(ctx context.Context, channelID string) error {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()
	if s.state.activeID() != "" {
		return nil
	}
	return s.selectLocked(ctx, channelID)
}

func (s *Session) selectLocked(ctx context.Context, channelID string) error {
	// 1. Activate
	if _, ok := s.state.activate(channelID); !ok {
		s.log.Debug().Str("channel_id", channelID).Msg("select ignored, not a listed channel")
		return nil
	}

	// 2-3. Feed
	s.reconciler.Retarget(channelID)
	s.reload.Request()

	// 4. Timeline
	if err := s.timeline.Load(ctx, channelID); err != nil {
		return err
	}

	// 5. Cursor
	if err := s.timeline.markRead(ctx, channelID); err != nil {
		s.log.Warn().Err(err).Str("channel_id", channelID).Msg("read cursor not advanced")
	}
	return nil
}

func (s *Session) deselect() {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.state.mu.Lock()
	if s.state.active == "" || s.state.channelIndex(s.state.active) >= 0 {
		s.state.mu.Unlock()
		return
	}
	s.state.setActive("")
	s.state.notify(models.ChangeActive, "")
	s.state.mu.Unlock()

	s.reconciler.Retarget("")
}

// ─── Intents ───

// Create makes a channel owned by the viewer.
func (s *Session) Create(ctx context.Context, title string, avatarURL *string) (*models.Channel, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.directory.Create(ctx, title, avatarURL)
}

// AddMember invites userID into channelID; an empty role means member.
func (s *Session) AddMember(ctx context.Context, channelID, userID string, role models.MemberRole) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.directory.AddMember(ctx, channelID, userID, role)
}

// Send posts a message. See TimelineService.Send.
func (s *Session) Send(ctx context.Context, req models.SendMessageRequest) (*models.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.timeline.Send(ctx, req)
}

// Edit replaces the content of a message in the active timeline.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.timeline.Edit(ctx, messageID, content)
}

// Delete logically deletes a message in the active timeline.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.timeline.Delete(ctx, messageID)
}

// AddReaction reacts with an emoji or a catalogue name (see models.DefaultReactions).
func (s *Session) AddReaction(ctx context.Context, messageID, emoji string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.reactions.Add(ctx, messageID, emoji)
}

func (s *Session) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.reactions.Remove(ctx, messageID, emoji)
}

// SetReplyingTo sets the message the next reply quotes; "" clears it.
func (s *Session) SetReplyingTo(messageID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.timeline.SetReplyingTo(messageID)
}

// ReplyingTo returns the current reply target, or nil.
func (s *Session) ReplyingTo() *models.Message {
	return s.state.timelineSnapshot().ReplyingTo
}

func (s *Session) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.directory.SearchUsers(ctx, query)
}

// NonMembers narrows users to those who can still be invited to channelID.
func (s *Session) NonMembers(ctx context.Context, channelID string, users []models.User) ([]models.User, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.directory.NonMembers(ctx, channelID, users)
}

// UpdateDisplayName changes the viewer's display name. Messages already
// shown keep the name they were rendered with until the next load.
func (s *Session) UpdateDisplayName(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	req := models.UpdateDisplayNameRequest{DisplayName: name}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}
	userID := s.state.selfID()
	if err := s.store.UpdateDisplayName(ctx, userID, req.DisplayName); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}

	s.state.mu.Lock()
	s.state.self.DisplayName = &req.DisplayName
	s.state.mu.Unlock()
	return nil
}

// ─── Snapshots ───

// Self returns the viewer's profile.
func (s *Session) Self() models.User {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.self
}

// Directory returns a copy of the channel list, most recently active first.
func (s *Session) Directory() []models.Channel {
	return s.state.directorySnapshot()
}

// Timeline returns a copy of the active channel's messages in order.
func (s *Session) Timeline() models.TimelineSnapshot {
	return s.state.timelineSnapshot()
}

// ActiveChannel returns the active channel id, or "".
func (s *Session) ActiveChannel() string {
	return s.state.activeID()
}

// Status reports realtime health.
func (s *Session) Status() models.ConnectionStatus {
	return s.state.statusSnapshot()
}

// Changes delivers a notice after each state mutation. Notices are
// dropped when the reader falls behind; the channel closes on Close.
func (s *Session) Changes() <-chan models.StateChange {
	return s.state.changes
}

// Flush waits until every change event received so far has been applied.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		if errors.Is(err, pkg.ErrClosed) {
			return nil
		}
		return err
	}
	return s.reconciler.Flush(ctx)
}
