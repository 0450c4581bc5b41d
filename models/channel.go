package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Channel is a directory entry: a conversation container plus the
// viewer-specific fields computed against the viewer's membership.
type Channel struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	AvatarURL          *string    `json:"avatar_url"`
	CreatedBy          string     `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`

	// Viewer-specific.
	UnreadCount int        `json:"unread_count"`
	Role        MemberRole `json:"role"`
	IsOwner     bool       `json:"is_owner"`
	LastReadAt  time.Time  `json:"last_read_at"`
}

// ChannelRow is the raw channels-table record carried by change events.
type ChannelRow struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxPreviewLength bounds Channel.LastMessagePreview.
const MaxPreviewLength = 100

// Preview shortens content for the directory's last-message preview.
func Preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= MaxPreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxPreviewLength-1]) + "…"
}

// CreateChannelRequest creates a channel owned by the viewer.
type CreateChannelRequest struct {
	Title     string  `json:"title"`
	AvatarURL *string `json:"avatar_url"`
}

// Validate trims the title and enforces 1-100 characters.
func (r *CreateChannelRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	n := utf8.RuneCountInString(r.Title)
	if n < 1 {
		return fmt.Errorf("channel title is required")
	}
	if n > 100 {
		return fmt.Errorf("channel title must be at most 100 characters")
	}
	return nil
}
