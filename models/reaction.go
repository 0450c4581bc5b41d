package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxEmojiLength bounds an emoji string. Compound emojis (families, flags)
// can run past ten code points.
const MaxEmojiLength = 32

// ReactionRow is a single (message, emoji, user) tuple, the unit stored by
// the backend and carried by message_reactions change events.
type ReactionRow struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Validate checks the tuple before it is sent or applied.
func (r *ReactionRow) Validate() error {
	r.Emoji = strings.TrimSpace(r.Emoji)
	if r.MessageID == "" || r.UserID == "" {
		return fmt.Errorf("reaction needs message and user")
	}
	if r.Emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	if utf8.RuneCountInString(r.Emoji) > MaxEmojiLength {
		return fmt.Errorf("emoji too long")
	}
	return nil
}

// ReactionGroup is the display grouping of one emoji on one message.
// Users keeps reaction order; Count always equals len(Users).
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// HasUser reports whether userID reacted with this emoji.
func (g *ReactionGroup) HasUser(userID string) bool {
	for _, u := range g.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// NamedReaction is an entry of the quick-reaction catalogue.
type NamedReaction struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

// DefaultReactions is the quick-reaction palette offered by clients.
var DefaultReactions = []NamedReaction{
	{Name: "thumbs_up", Emoji: "👍"},
	{Name: "heart", Emoji: "❤️"},
	{Name: "smile", Emoji: "😄"},
	{Name: "wow", Emoji: "😮"},
	{Name: "sad", Emoji: "😢"},
	{Name: "angry", Emoji: "😡"},
	{Name: "party", Emoji: "🎉"},
	{Name: "rocket", Emoji: "🚀"},
}

// LookupReaction resolves a catalogue name (or a literal emoji) to an emoji.
func LookupReaction(nameOrEmoji string) string {
	for _, r := range DefaultReactions {
		if r.Name == nameOrEmoji {
			return r.Emoji
		}
	}
	return nameOrEmoji
}
