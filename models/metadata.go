package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata is the per-type payload of a message. Text messages carry none.
//
// The concrete types are ReplyMetadata, AttachmentMetadata and
// CustomMetadata; raw JSON is narrowed with DecodeMetadata where it enters
// the process.
type Metadata interface {
	MessageType() MessageType
}

// ReplyMetadata quotes the message being replied to.
type ReplyMetadata struct {
	QuotedID       string `json:"quoted_id"`
	QuotedAuthorID string `json:"quoted_author_id"`
	Snippet        string `json:"snippet"`
}

func (ReplyMetadata) MessageType() MessageType { return MessageReply }

// AttachmentMetadata annotates an attachment message.
type AttachmentMetadata struct {
	Caption string `json:"caption,omitempty"`
}

func (AttachmentMetadata) MessageType() MessageType { return MessageAttachment }

// CustomMetadata is an application-defined object.
type CustomMetadata map[string]any

func (CustomMetadata) MessageType() MessageType { return MessageCustom }

func isEmptyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}"))
}

// DecodeMetadata narrows raw metadata according to the message type.
// Unknown fields are ignored; a payload that is not an object is rejected.
func DecodeMetadata(t MessageType, raw json.RawMessage) (Metadata, error) {
	switch t {
	case MessageText:
		return nil, nil

	case MessageReply:
		var m ReplyMetadata
		if !isEmptyJSON(raw) {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("reply metadata: %w", err)
			}
		}
		return m, nil

	case MessageAttachment:
		var m AttachmentMetadata
		if !isEmptyJSON(raw) {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("attachment metadata: %w", err)
			}
		}
		return m, nil

	case MessageCustom:
		m := CustomMetadata{}
		if !isEmptyJSON(raw) {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("custom metadata: %w", err)
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown message type %q", t)
}

// EncodeMetadata renders metadata for storage. Missing metadata is "{}".
func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func cloneMetadata(m Metadata) Metadata {
	if c, ok := m.(CustomMetadata); ok {
		return CustomMetadata(maps.Clone(map[string]any(c)))
	}
	return m
}
