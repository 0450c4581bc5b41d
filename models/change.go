package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tables that emit change events.
const (
	TableChannels  = "channels"
	TableMembers   = "channel_members"
	TableMessages  = "messages"
	TableReactions = "message_reactions"
)

// ChangeOp is the kind of row change.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is a raw row change as delivered by a change feed. Record
// holds the new row (insert/update), Old the previous row (update/delete)
// when the feed provides it. Narrowing into typed rows happens in the
// consumer.
type ChangeEvent struct {
	Table      string          `json:"table"`
	Op         ChangeOp        `json:"op"`
	Record     json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// NewChangeEvent marshals row into a ChangeEvent.
func NewChangeEvent(table string, op ChangeOp, row any) (ChangeEvent, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	ev := ChangeEvent{Table: table, Op: op, CommitTime: time.Now().UTC()}
	if op == OpDelete {
		ev.Old = b
	} else {
		ev.Record = b
	}
	return ev, nil
}

// Row returns the payload that identifies the row: Record, or Old for deletes.
func (e *ChangeEvent) Row() json.RawMessage {
	if len(e.Record) > 0 {
		return e.Record
	}
	return e.Old
}

// Decode unmarshals the identifying row into v.
func (e *ChangeEvent) Decode(v any) error {
	row := e.Row()
	if len(row) == 0 {
		return fmt.Errorf("%s %s event has no row", e.Table, e.Op)
	}
	if err := json.Unmarshal(row, v); err != nil {
		return fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	return nil
}

// Field returns a top-level string column of the row, or "" when absent.
func (e *ChangeEvent) Field(column string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Row(), &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[column], &s); err != nil {
		return ""
	}
	return s
}

// Filter restricts a subscription to rows where Column equals Value.
// The zero Filter matches everything.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *ChangeEvent) bool {
	if f.Column == "" {
		return true
	}
	return e.Field(f.Column) == f.Value
}

func (f Filter) String() string {
	if f.Column == "" {
		return "*"
	}
	return f.Column + "=eq." + f.Value
}
