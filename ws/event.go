// Package ws is the change relay: a Hub that fans change events out to
// subscribers, the websocket endpoint that exposes it, and RemoteFeed, the
// client side used by sessions in other processes.
//
// Event flow:
//  1. A backend commits a write and calls Hub.Publish
//  2. The Hub offers the event to every matching stream
//  3. In-process streams call their handler directly
//  4. Websocket streams queue a "change" frame on the client's send channel
//  5. WritePump writes it; RemoteFeed on the other end routes it by sub_id
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/akinalp/chatsync/models"
)

// Event is one relay frame.
//
// Seq increases per connection so a subscriber can spot gaps.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// Client → server operations
const (
	OpHeartbeat   = "heartbeat"   // every 30s
	OpSubscribe   = "subscribe"   // open a change subscription
	OpUnsubscribe = "unsubscribe" // close one
)

// Server → client operations
const (
	OpHeartbeatAck = "heartbeat_ack"
	OpSubscribed   = "subscribed" // reply to subscribe, carries the sub id
	OpChange       = "change"     // a change event for one subscription
	OpSubClosed    = "sub_closed" // the server ended a subscription
	OpError        = "error"      // a request failed
)

// SubscribeData asks for changes on Table matching Filter. Ref correlates
// the reply.
type SubscribeData struct {
	Ref    string        `json:"ref"`
	Table  string        `json:"table"`
	Filter models.Filter `json:"filter"`
}

type UnsubscribeData struct {
	SubID string `json:"sub_id"`
}

type SubscribedData struct {
	Ref   string `json:"ref"`
	SubID string `json:"sub_id"`
}

type ChangeData struct {
	SubID string             `json:"sub_id"`
	Event models.ChangeEvent `json:"event"`
}

// SubClosedData ends a subscription; Error is empty for a clean close.
type SubClosedData struct {
	SubID string `json:"sub_id"`
	Error string `json:"error,omitempty"`
}

type ErrorData struct {
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// decodeData narrows event.Data into v. Data arrives as a generic map after
// json.Unmarshal, so it is re-encoded first.
func decodeData(event Event, v any) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Op, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Op, err)
	}
	return nil
}

// knownTables are the tables a relay subscription may name.
var knownTables = map[string]bool{
	models.TableChannels:  true,
	models.TableMembers:   true,
	models.TableMessages:  true,
	models.TableReactions: true,
}
