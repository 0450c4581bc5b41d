// Package postgres is the production backend: a pgx connection pool for
// reads and writes, and LISTEN/NOTIFY as the change feed. Triggers
// installed by Migrate emit a notification for every row change on the
// synced tables; the listener republishes them into a ws.Hub.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
	"github.com/akinalp/chatsync/ws"
)

//go:embed schema.sql
var schema string

// Store is a backend.Store over PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	hub  *ws.Hub
	log  zerolog.Logger

	cancel     context.CancelFunc
	listenDone chan struct{}
}

var (
	_ backend.Store     = (*Store)(nil)
	_ backend.UserAdmin = (*Store)(nil)
)

// New connects, installs the schema and starts the notification listener.
// It returns once LISTEN is active, so no committed change after New is
// missed by subscribers.
func New(ctx context.Context, databaseURL string, hub *ws.Hub, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrValidation, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapError(err, "ping")
	}

	s := &Store{
		pool:       pool,
		hub:        hub,
		log:        logger.Component(log, "backend").With().Str("driver", "postgres").Logger(),
		listenDone: make(chan struct{}),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ready := make(chan struct{})
	go s.listen(listenCtx, ready)

	select {
	case <-ready:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return mapError(err, "migrate")
	}
	return nil
}

// Close stops the listener and closes the pool. The hub is owned by the
// caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.listenDone
	}
	s.pool.Close()
	return nil
}

// ─── Users ───

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.DisplayName, user.AvatarURL)
	return mapError(err, "create user")
}

func (s *Store) FetchUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL)
	if err != nil {
		return nil, mapError(err, "fetch user "+userID)
	}
	return &u, nil
}

func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	pattern := "%" + r.Replace(strings.TrimSpace(query)) + "%"

	rows, err := s.pool.Query(ctx, `
		SELECT id, username, display_name, avatar_url
		FROM users
		WHERE username ILIKE $1 OR display_name ILIKE $1
		ORDER BY username ASC
		LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, mapError(err, "search users")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, mapError(err, "scan user")
		}
		users = append(users, u)
	}
	return users, mapError(rows.Err(), "search users")
}

func (s *Store) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET display_name = $1 WHERE id = $2`, displayName, userID)
	if err != nil {
		return mapError(err, "update display name")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", pkg.ErrNotFound, userID)
	}
	return nil
}

// ─── Channels & memberships ───

// FetchChannelsForUser returns the viewer's directory, most recent
// activity first. unread_count counts messages newer than the viewer's
// last_read_at.
func (s *Store) FetchChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.title, c.avatar_url, c.created_by, c.created_at,
		       cm.role, cm.last_read_at,
		       (SELECT count(*) FROM messages m
		        WHERE m.channel_id = c.id AND m.created_at > cm.last_read_at) AS unread_count,
		       last.content, last.created_at
		FROM channel_members cm
		JOIN channels c ON c.id = cm.channel_id
		LEFT JOIN LATERAL (
			SELECT m.content, m.created_at FROM messages m
			WHERE m.channel_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) last ON true
		WHERE cm.user_id = $1
		ORDER BY COALESCE(last.created_at, c.created_at) DESC, c.id ASC`, userID)
	if err != nil {
		return nil, mapError(err, "fetch channels")
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		var (
			ch      models.Channel
			preview *string
			lastAt  *time.Time
		)
		if err := rows.Scan(
			&ch.ID, &ch.Title, &ch.AvatarURL, &ch.CreatedBy, &ch.CreatedAt,
			&ch.Role, &ch.LastReadAt, &ch.UnreadCount, &preview, &lastAt,
		); err != nil {
			return nil, mapError(err, "scan channel")
		}
		if lastAt != nil {
			p := models.Preview(*preview)
			ch.LastMessagePreview = &p
			ch.LastMessageAt = lastAt
		}
		ch.IsOwner = ch.Role == models.RoleOwner
		channels = append(channels, ch)
	}
	return channels, mapError(rows.Err(), "fetch channels")
}

func (s *Store) FetchMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`, channelID)
	if err != nil {
		return nil, mapError(err, "fetch members")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapError(err, "fetch members")
}

// InsertChannel creates the channel and the owner membership in one
// transaction.
func (s *Store) InsertChannel(ctx context.Context, row models.ChannelRow) (*models.Channel, error) {
	row.ID = uuid.NewString()
	var ch *models.Channel

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO channels (id, title, avatar_url, created_by) VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			row.ID, row.Title, row.AvatarURL, row.CreatedBy,
		).Scan(&row.CreatedAt); err != nil {
			return err
		}

		var lastRead time.Time
		if err := tx.QueryRow(ctx, `
			INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, 'owner')
			RETURNING last_read_at`,
			row.ID, row.CreatedBy,
		).Scan(&lastRead); err != nil {
			return err
		}

		ch = &models.Channel{
			ID:         row.ID,
			Title:      row.Title,
			AvatarURL:  row.AvatarURL,
			CreatedBy:  row.CreatedBy,
			CreatedAt:  row.CreatedAt,
			Role:       models.RoleOwner,
			IsOwner:    true,
			LastReadAt: lastRead,
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "insert channel")
	}
	return ch, nil
}

func (s *Store) InsertMembership(ctx context.Context, m models.Membership) error {
	if m.LastReadAt.IsZero() {
		m.LastReadAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role, last_read_at) VALUES ($1, $2, $3, $4)`,
		m.ChannelID, m.UserID, m.Role, m.LastReadAt)
	return mapError(err, "insert membership")
}

// UpdateMembership advances the read cursor; it never moves backwards.
func (s *Store) UpdateMembership(ctx context.Context, channelID, userID string, lastReadAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_members SET last_read_at = GREATEST(last_read_at, $3)
		WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID, lastReadAt)
	if err != nil {
		return mapError(err, "update membership")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: membership %s/%s", pkg.ErrNotFound, channelID, userID)
	}
	return nil
}

// ─── Messages ───

const messageColumns = `
	m.id, COALESCE(m.client_id, ''), m.channel_id, m.author_id, m.type, m.content, m.metadata,
	m.reply_to_id, m.created_at, m.is_edited, m.is_deleted,
	u.id, u.username, u.display_name, u.avatar_url`

func scanMessage(row pgx.Row) (*models.MessageRow, error) {
	var (
		m      models.MessageRow
		author models.User
	)
	if err := row.Scan(
		&m.ID, &m.ClientID, &m.ChannelID, &m.AuthorID, &m.Type, &m.Content, &m.Metadata,
		&m.ReplyToID, &m.CreatedAt, &m.IsEdited, &m.IsDeleted,
		&author.ID, &author.Username, &author.DisplayName, &author.AvatarURL,
	); err != nil {
		return nil, err
	}
	m.Author = &author
	return &m, nil
}

// FetchMessages loads the channel with authors, reactions and attachments.
func (s *Store) FetchMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.channel_id = $1
		ORDER BY m.created_at ASC, m.id ASC`, channelID)
	if err != nil {
		return nil, mapError(err, "fetch messages")
	}

	var raw []models.MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, mapError(err, "scan message")
		}
		raw = append(raw, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "fetch messages")
	}

	ids := make([]string, len(raw))
	for i := range raw {
		ids[i] = raw[i].ID
	}
	reactions, err := s.reactionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	attachments, err := s.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(raw))
	for i := range raw {
		msg, err := raw[i].Message()
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", raw[i].ID).Msg("skipping malformed message row")
			continue
		}
		msg.Reactions = reactions[msg.ID]
		msg.Attachments = attachments[msg.ID]
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) FetchAttachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	byID, err := s.attachmentsFor(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return byID[messageID], nil
}

func (s *Store) reactionsFor(ctx context.Context, ids []string) (map[string][]models.ReactionGroup, error) {
	out := make(map[string][]models.ReactionGroup)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, emoji, user_id
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY message_id, created_at ASC, user_id ASC`, ids)
	if err != nil {
		return nil, mapError(err, "fetch reactions")
	}
	defer rows.Close()

	// emoji groups keep first-reaction order
	index := make(map[string]map[string]int)
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, mapError(err, "scan reaction")
		}
		if index[messageID] == nil {
			index[messageID] = make(map[string]int)
		}
		i, ok := index[messageID][emoji]
		if !ok {
			i = len(out[messageID])
			index[messageID][emoji] = i
			out[messageID] = append(out[messageID], models.ReactionGroup{Emoji: emoji})
		}
		g := &out[messageID][i]
		g.Users = append(g.Users, userID)
		g.Count = len(g.Users)
	}
	return out, mapError(rows.Err(), "fetch reactions")
}

func (s *Store) attachmentsFor(ctx context.Context, ids []string) (map[string][]models.Attachment, error) {
	out := make(map[string][]models.Attachment)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, url, mime_type, filename
		FROM message_attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, position ASC`, ids)
	if err != nil {
		return nil, mapError(err, "fetch attachments")
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.MimeType, &a.Filename); err != nil {
			return nil, mapError(err, "scan attachment")
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, mapError(rows.Err(), "fetch attachments")
}

// InsertMessage writes the message and its attachments in one transaction.
// The author must be a member of the channel.
func (s *Store) InsertMessage(ctx context.Context, row models.MessageRow, inputs []models.AttachmentInput) (*models.Message, error) {
	row.ID = ulid.Make().String()
	if row.Type == "" {
		row.Type = models.MessageText
	}
	meta := []byte(row.Metadata)
	if len(meta) == 0 || string(meta) == "null" {
		meta = []byte("{}")
	}
	var clientID *string
	if row.ClientID != "" {
		clientID = &row.ClientID
	}

	var stored *models.MessageRow
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var member bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
			row.ChannelID, row.AuthorID,
		).Scan(&member); err != nil {
			return err
		}
		if !member {
			return fmt.Errorf("%w: not a member of channel %s", pkg.ErrPermissionDenied, row.ChannelID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, client_id, channel_id, author_id, type, content, metadata, reply_to_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			row.ID, clientID, row.ChannelID, row.AuthorID, row.Type, row.Content, meta, row.ReplyToID,
		); err != nil {
			return err
		}

		for i, in := range inputs {
			a := models.Attachment{ID: uuid.NewString(), MessageID: row.ID, URL: in.URL, MimeType: in.MimeType, Filename: in.Filename}
			if _, err := tx.Exec(ctx, `
				INSERT INTO message_attachments (id, message_id, url, mime_type, filename, position)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				a.ID, a.MessageID, a.URL, a.MimeType, a.Filename, i,
			); err != nil {
				return err
			}
			row.Attachments = append(row.Attachments, a)
		}

		var err error
		stored, err = scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.author_id
			WHERE m.id = $1`, row.ID))
		return err
	})
	if err != nil {
		return nil, mapError(err, "insert message")
	}

	stored.Attachments = row.Attachments
	msg, err := stored.Message()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage applies the non-nil fields of patch. A deleted message
// cannot be changed again.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error {
	var (
		sets []string
		args []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Content != nil {
		add("content = $%d", *patch.Content)
	}
	if patch.IsEdited != nil {
		add("is_edited = $%d", *patch.IsEdited)
	}
	if patch.IsDeleted != nil {
		add("is_deleted = is_deleted OR $%d", *patch.IsDeleted)
	}
	if len(sets) == 0 {
		return fmt.Errorf("%w: empty message patch", pkg.ErrValidation)
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE messages SET %s WHERE id = $%d AND NOT is_deleted`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return mapError(err, "update message")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	return nil
}

// ─── Reactions ───

// InsertReaction adds the tuple; an existing tuple reports pkg.ErrConflict.
func (s *Store) InsertReaction(ctx context.Context, r models.ReactionRow) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, channel_id)
		SELECT id, $2, $3, channel_id FROM messages WHERE id = $1
		ON CONFLICT DO NOTHING`,
		r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return mapError(err, "insert reaction")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, r.MessageID).Scan(&exists); err != nil {
		return mapError(err, "insert reaction")
	}
	if !exists {
		return fmt.Errorf("%w: message %s", pkg.ErrNotFound, r.MessageID)
	}
	return fmt.Errorf("%w: reaction exists", pkg.ErrConflict)
}

// DeleteReaction removes the tuple if present.
func (s *Store) DeleteReaction(ctx context.Context, r models.ReactionRow) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		r.MessageID, r.UserID, r.Emoji)
	return mapError(err, "delete reaction")
}

// ─── Change feed ───

func (s *Store) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent backend.EventHandler) (backend.Subscription, error) {
	return s.hub.Subscribe(ctx, table, filter, onEvent)
}

func (s *Store) Unsubscribe(sub backend.Subscription) error {
	return s.hub.Unsubscribe(sub)
}
