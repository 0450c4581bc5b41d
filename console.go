package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/services"
)

const consoleHelp = `commands:
  /channels               list channels with unread counts
  /join N|ID              switch to a channel
  /create TITLE           create a channel
  /invite USERNAME        add a user to the active channel
  /reply N                quote message N in the next send (/reply to cancel)
  /edit N TEXT            replace the text of message N
  /delete N               delete message N
  /react N EMOJI          react to message N (emoji or name, e.g. rocket)
  /unreact N EMOJI        take a reaction back
  /name DISPLAY NAME      change your display name
  /status                 realtime connection state
  /quit
anything else is sent to the active channel`

// console is a line-oriented front end for one session. Messages are
// addressed by their 1-based position in the active timeline.
type console struct {
	s   *services.Session
	out io.Writer

	mu          sync.Mutex
	channel     string
	shown       map[string]string // message id -> last rendered line
	unread      map[string]int
	wasDetached bool
}

func newConsole(s *services.Session, out io.Writer) *console {
	return &console{
		s:      s,
		out:    out,
		shown:  make(map[string]string),
		unread: make(map[string]int),
	}
}

// run renders state changes and executes input lines until in is
// exhausted, /quit is read or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) error {
	go c.watch(ctx)

	self := c.s.Self()
	c.printf("signed in as %s\n", self.Name())
	c.listChannels()
	c.renderTimeline()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *console) watch(ctx context.Context) {
	changes := c.s.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			switch ch.Kind {
			case models.ChangeTimeline, models.ChangeActive:
				c.renderTimeline()
			case models.ChangeDirectory:
				c.renderUnread()
			case models.ChangeConnection:
				c.renderConnection()
			}
		}
	}
}

// exec runs one input line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.send(ctx, line))
		return false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s\n", consoleHelp)
	case "channels":
		c.listChannels()
	case "join":
		c.report(c.join(ctx, rest))
	case "create":
		ch, err := c.s.Create(ctx, rest, nil)
		if err == nil {
			c.printf("created #%s\n", ch.Title)
			err = c.s.Select(ctx, ch.ID)
		}
		c.report(err)
	case "invite":
		c.report(c.invite(ctx, rest))
	case "reply":
		c.report(c.reply(rest))
	case "edit":
		n, text, _ := strings.Cut(rest, " ")
		c.report(c.withMessage(n, func(id string) error { return c.s.Edit(ctx, id, text) }))
	case "delete":
		c.report(c.withMessage(rest, func(id string) error { return c.s.Delete(ctx, id) }))
	case "react", "unreact":
		n, emoji, _ := strings.Cut(rest, " ")
		c.report(c.withMessage(n, func(id string) error {
			if name == "react" {
				return c.s.AddReaction(ctx, id, strings.TrimSpace(emoji))
			}
			return c.s.RemoveReaction(ctx, id, strings.TrimSpace(emoji))
		}))
	case "name":
		c.report(c.s.UpdateDisplayName(ctx, rest))
	case "status":
		st := c.s.Status()
		c.printf("directory feed: %s, message feed: %s, failures: %d, disconnected: %t\n",
			st.Directory, st.Messages, st.Failures, st.Disconnected)
	default:
		c.printf("unknown command /%s, try /help\n", name)
	}
	return false
}

func (c *console) send(ctx context.Context, text string) error {
	channelID := c.s.ActiveChannel()
	if channelID == "" {
		return fmt.Errorf("no active channel, /join one first")
	}
	req := models.SendMessageRequest{ChannelID: channelID, Type: models.MessageText, Content: text}
	if target := c.s.ReplyingTo(); target != nil {
		req.Type = models.MessageReply
		req.ReplyToID = target.ID
	}
	_, err := c.s.Send(ctx, req)
	return err
}

func (c *console) join(ctx context.Context, ref string) error {
	channels := c.s.Directory()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(channels) {
			return fmt.Errorf("no channel %d", n)
		}
		ref = channels[n-1].ID
	}
	for _, ch := range channels {
		if ch.ID == ref {
			return c.s.Select(ctx, ref)
		}
	}
	return fmt.Errorf("no channel %q", ref)
}

func (c *console) invite(ctx context.Context, username string) error {
	channelID := c.s.ActiveChannel()
	if channelID == "" {
		return fmt.Errorf("no active channel")
	}
	users, err := c.s.SearchUsers(ctx, username)
	if err != nil {
		return err
	}
	candidates, err := c.s.NonMembers(ctx, channelID, users)
	if err != nil {
		return err
	}
	for _, u := range candidates {
		if strings.EqualFold(u.Username, username) {
			if err := c.s.AddMember(ctx, channelID, u.ID, ""); err != nil {
				return err
			}
			c.printf("invited %s\n", u.Name())
			return nil
		}
	}
	return fmt.Errorf("no user %q outside this channel", username)
}

func (c *console) reply(ref string) error {
	if ref == "" {
		return c.s.SetReplyingTo("")
	}
	return c.withMessage(ref, func(id string) error {
		if err := c.s.SetReplyingTo(id); err != nil {
			return err
		}
		c.printf("replying to message %s\n", ref)
		return nil
	})
}

// withMessage resolves a 1-based timeline position to a message id.
func (c *console) withMessage(ref string, fn func(id string) error) error {
	n, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil {
		return fmt.Errorf("expected a message number, got %q", ref)
	}
	msgs := c.s.Timeline().Messages
	if n < 1 || n > len(msgs) {
		return fmt.Errorf("no message %d", n)
	}
	return fn(msgs[n-1].ID)
}

// ─── Rendering ───

func (c *console) listChannels() {
	channels := c.s.Directory()
	if len(channels) == 0 {
		c.printf("no channels yet, /create one\n")
		return
	}
	active := c.s.ActiveChannel()
	for i, ch := range channels {
		marker := " "
		if ch.ID == active {
			marker = "*"
		}
		line := fmt.Sprintf("%s %d. #%s", marker, i+1, ch.Title)
		if ch.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", ch.UnreadCount)
		}
		if ch.LastMessagePreview != nil && *ch.LastMessagePreview != "" {
			line += " - " + *ch.LastMessagePreview
		}
		c.printf("%s\n", line)
	}
}

// renderTimeline prints messages that are new or changed since the last
// render. Switching channels prints the whole timeline.
func (c *console) renderTimeline() {
	snap := c.s.Timeline()

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.ChannelID != c.channel {
		c.channel = snap.ChannelID
		clear(c.shown)
		if snap.ChannelID != "" {
			fmt.Fprintf(c.out, "── #%s ──\n", c.titleOf(snap.ChannelID))
		}
	}
	for i, m := range snap.Messages {
		if m.Pending {
			continue
		}
		line := formatMessage(i+1, &m)
		if c.shown[m.ID] == line {
			continue
		}
		c.shown[m.ID] = line
		fmt.Fprintln(c.out, line)
	}
}

func (c *console) renderUnread() {
	for _, ch := range c.s.Directory() {
		c.mu.Lock()
		prev := c.unread[ch.ID]
		c.unread[ch.ID] = ch.UnreadCount
		if ch.UnreadCount > prev {
			fmt.Fprintf(c.out, "#%s: %d unread\n", ch.Title, ch.UnreadCount)
		}
		c.mu.Unlock()
	}
}

func (c *console) renderConnection() {
	st := c.s.Status()

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Disconnected == c.wasDetached {
		return
	}
	c.wasDetached = st.Disconnected
	if st.Disconnected {
		fmt.Fprintf(c.out, "!! connection lost after %d attempts, still retrying\n", st.Failures)
	} else {
		fmt.Fprintln(c.out, "!! connection restored")
	}
}

func (c *console) titleOf(channelID string) string {
	for _, ch := range c.s.Directory() {
		if ch.ID == channelID {
			return ch.Title
		}
	}
	return channelID
}

func (c *console) report(err error) {
	if err != nil {
		c.printf("error: %v\n", err)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func formatMessage(n int, m *models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s ", n, m.CreatedAt.Local().Format("15:04"))
	if m.Author != nil {
		b.WriteString(m.Author.Name())
	} else {
		b.WriteString(m.AuthorID)
	}
	b.WriteString(": ")

	if m.IsDeleted {
		b.WriteString("[deleted]")
		return b.String()
	}
	if reply, ok := m.Metadata.(models.ReplyMetadata); ok {
		fmt.Fprintf(&b, "↪ %q ", reply.Snippet)
	}
	b.WriteString(m.Content)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [%s]", a.Filename)
	}
	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	for _, g := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", g.Emoji, g.Count)
	}
	return b.String()
}
