package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the upper bound for message content, in runes.
const MaxContentLength = 2000

// MessageType discriminates Message.Metadata.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageReply      MessageType = "reply"
	MessageAttachment MessageType = "attachment"
	MessageCustom     MessageType = "custom"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageReply, MessageAttachment, MessageCustom:
		return true
	}
	return false
}

// Message is a timeline entry. Author, Attachments and Reactions are joined
// in by the backend or hydrated by the reconciler.
//
// Pending entries are optimistic sends: ID is a local placeholder and
// ClientID is the correlation id echoed back by the backend.
type Message struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id"`
	Author      *User           `json:"author,omitempty"`
	Type        MessageType     `json:"type"`
	Content     string          `json:"content"`
	Metadata    Metadata        `json:"-"`
	ReplyToID   *string         `json:"reply_to_id"`
	CreatedAt   time.Time       `json:"created_at"`
	IsEdited    bool            `json:"is_edited"`
	IsDeleted   bool            `json:"is_deleted"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Reactions   []ReactionGroup `json:"reactions,omitempty"`
	Pending     bool            `json:"pending,omitempty"`
}

// MessageLess orders messages by (CreatedAt, ID).
func MessageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Clone returns a deep copy safe to hand out of the state lock.
func (m *Message) Clone() Message {
	c := *m
	if m.Author != nil {
		a := *m.Author
		c.Author = &a
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		c.ReplyToID = &id
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		c.Reactions = make([]ReactionGroup, len(m.Reactions))
		for i, g := range m.Reactions {
			c.Reactions[i] = ReactionGroup{
				Emoji: g.Emoji,
				Count: g.Count,
				Users: append([]string(nil), g.Users...),
			}
		}
	}
	c.Metadata = cloneMetadata(m.Metadata)
	return c
}

// MessageRow is the raw messages-table record. Change events carry it as
// JSON; Author and Attachments are present only when the backend joined them.
type MessageRow struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id"`
	Type        MessageType     `json:"type"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReplyToID   *string         `json:"reply_to_id"`
	CreatedAt   time.Time       `json:"created_at"`
	IsEdited    bool            `json:"is_edited"`
	IsDeleted   bool            `json:"is_deleted"`
	Author      *User           `json:"author,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// Message narrows the row into a Message, decoding its metadata.
func (r *MessageRow) Message() (Message, error) {
	if r.ID == "" || r.ChannelID == "" || r.AuthorID == "" {
		return Message{}, fmt.Errorf("message row missing id, channel or author")
	}
	t := r.Type
	if t == "" {
		t = MessageText
	}
	meta, err := DecodeMetadata(t, r.Metadata)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          r.ID,
		ClientID:    r.ClientID,
		ChannelID:   r.ChannelID,
		AuthorID:    r.AuthorID,
		Author:      r.Author,
		Type:        t,
		Content:     r.Content,
		Metadata:    meta,
		ReplyToID:   r.ReplyToID,
		CreatedAt:   r.CreatedAt,
		IsEdited:    r.IsEdited,
		IsDeleted:   r.IsDeleted,
		Attachments: r.Attachments,
	}, nil
}

// MessagePatch is a partial update. Nil fields are left alone.
type MessagePatch struct {
	Content   *string `json:"content,omitempty"`
	IsEdited  *bool   `json:"is_edited,omitempty"`
	IsDeleted *bool   `json:"is_deleted,omitempty"`
}

// EditPatch marks a message edited with new content.
func EditPatch(content string) MessagePatch {
	edited := true
	return MessagePatch{Content: &content, IsEdited: &edited}
}

// DeletePatch logically deletes a message and clears its content.
func DeletePatch() MessagePatch {
	deleted := true
	empty := ""
	return MessagePatch{Content: &empty, IsDeleted: &deleted}
}

// AttachmentInput describes an attachment uploaded out of band.
type AttachmentInput struct {
	URL      string  `json:"url"`
	MimeType *string `json:"mime_type"`
	Filename string  `json:"filename"`
}

// Attachment is immutable once created.
type Attachment struct {
	ID        string  `json:"id"`
	MessageID string  `json:"message_id"`
	URL       string  `json:"url"`
	MimeType  *string `json:"mime_type"`
	Filename  string  `json:"filename"`
}

// SendMessageRequest is a local send intent.
type SendMessageRequest struct {
	ChannelID   string            `json:"channel_id"`
	Type        MessageType       `json:"type"`
	Content     string            `json:"content"`
	ReplyToID   string            `json:"reply_to_id"`
	Caption     string            `json:"caption"`
	Custom      map[string]any    `json:"custom"`
	Attachments []AttachmentInput `json:"attachments"`
}

// Validate checks the request shape before anything is sent.
//
// text and reply need 1-2000 characters after trimming; attachment needs at
// least one attachment; custom needs content or custom fields.
func (r *SendMessageRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if r.Type == "" {
		r.Type = MessageText
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown message type %q", r.Type)
	}

	r.Content = strings.TrimSpace(r.Content)
	n := utf8.RuneCountInString(r.Content)
	if n > MaxContentLength {
		return fmt.Errorf("message content must be at most %d characters", MaxContentLength)
	}

	switch r.Type {
	case MessageText, MessageReply:
		if n < 1 {
			return fmt.Errorf("message content is required")
		}
		if r.Type == MessageReply && r.ReplyToID == "" {
			return fmt.Errorf("reply target is required")
		}
	case MessageAttachment:
		if len(r.Attachments) == 0 {
			return fmt.Errorf("at least one attachment is required")
		}
		for _, a := range r.Attachments {
			if a.URL == "" || a.Filename == "" {
				return fmt.Errorf("attachment url and filename are required")
			}
		}
	case MessageCustom:
		if n < 1 && len(r.Custom) == 0 {
			return fmt.Errorf("custom message needs content or fields")
		}
	}
	if r.Type != MessageAttachment && len(r.Attachments) > 0 {
		return fmt.Errorf("attachments are only allowed on attachment messages")
	}
	if r.Type != MessageReply && r.ReplyToID != "" {
		return fmt.Errorf("reply target is only allowed on reply messages")
	}
	return nil
}

// EditMessageRequest replaces a message's content.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// Validate enforces 1-2000 characters after trimming.
func (r *EditMessageRequest) Validate() error {
	r.Content = strings.TrimSpace(r.Content)
	n := utf8.RuneCountInString(r.Content)
	if n < 1 {
		return fmt.Errorf("message content is required")
	}
	if n > MaxContentLength {
		return fmt.Errorf("message content must be at most %d characters", MaxContentLength)
	}
	return nil
}
