package models

// FeedState is the lifecycle of one realtime subscription.
type FeedState string

const (
	FeedIdle         FeedState = "idle"
	FeedSubscribing  FeedState = "subscribing"
	FeedActive       FeedState = "active"
	FeedError        FeedState = "error"
	FeedReconnecting FeedState = "reconnecting"
	FeedClosed       FeedState = "closed"
)

// ConnectionStatus is the session-wide realtime health. Disconnected is
// set after repeated reconnect failures and cleared on the next success.
type ConnectionStatus struct {
	Directory    FeedState `json:"directory"`
	Messages     FeedState `json:"messages"`
	Disconnected bool      `json:"disconnected"`
	Failures     int       `json:"failures"`
}

// ChangeKind tells presentation code which part of the state moved.
type ChangeKind string

const (
	ChangeDirectory  ChangeKind = "directory"
	ChangeTimeline   ChangeKind = "timeline"
	ChangeActive     ChangeKind = "active"
	ChangeConnection ChangeKind = "connection"
)

// StateChange is emitted after every committed state mutation.
type StateChange struct {
	Kind      ChangeKind `json:"kind"`
	ChannelID string     `json:"channel_id,omitempty"`
}

// TimelineSnapshot is a copy of the active channel's message sequence.
type TimelineSnapshot struct {
	ChannelID  string    `json:"channel_id"`
	Messages   []Message `json:"messages"`
	ReplyingTo *Message  `json:"replying_to,omitempty"`
}
