package models

import (
	"fmt"
	"time"
)

// MemberRole is a membership role inside a channel.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// Valid reports whether r is a known role.
func (r MemberRole) Valid() bool {
	return r == RoleOwner || r == RoleMember
}

// Membership links a user to a channel. LastReadAt is the read cursor;
// backends never move it backwards.
type Membership struct {
	ChannelID  string     `json:"channel_id"`
	UserID     string     `json:"user_id"`
	Role       MemberRole `json:"role"`
	LastReadAt time.Time  `json:"last_read_at"`
}

// AddMemberRequest invites a user into a channel.
type AddMemberRequest struct {
	ChannelID string     `json:"channel_id"`
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
}

// Validate defaults the role to member.
func (r *AddMemberRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if r.Role == "" {
		r.Role = RoleMember
	}
	if !r.Role.Valid() {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	return nil
}
