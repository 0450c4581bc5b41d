// Package models defines the domain records shared by the backing store,
// the realtime feed and the session state.
//
// json tags describe the wire shape used by change-event payloads and the
// relay; the sqlite and postgres backends scan into the same structs.
package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// User is a chat participant. Only DisplayName is mutable, and only by
// the user themself.
type User struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name"` // nullable
	AvatarURL   *string `json:"avatar_url"`
}

// Name returns the display name when set, otherwise the username.
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// UpdateDisplayNameRequest changes the viewer's display name.
type UpdateDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// Validate trims the name and enforces 1-32 characters.
func (r *UpdateDisplayNameRequest) Validate() error {
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	n := utf8.RuneCountInString(r.DisplayName)
	if n < 1 || n > 32 {
		return fmt.Errorf("display name must be between 1 and 32 characters")
	}
	return nil
}

// UserSearchLimit caps user search results.
const UserSearchLimit = 10
