// Package pkg holds utilities shared across the module.
// This file defines the domain-level errors.
//
// Errors are sentinel values wrapped with context via fmt.Errorf("%w: ..."),
// so callers compare by identity at any depth:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
package pkg

import "errors"

// Backing-store errors. Backends map driver errors onto these.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Local errors.
var (
	ErrValidation  = errors.New("validation failed")
	ErrAttribution = errors.New("author attribution failed")
	ErrClosed      = errors.New("session closed")
)

// Operation-level errors returned by session intents.
var (
	ErrSendFailed      = errors.New("send failed")
	ErrReactionFailed  = errors.New("reaction failed")
	ErrDuplicateTitle  = errors.New("channel title already taken")
	ErrAlreadyMember   = errors.New("already a member")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrFeedUnavailable = errors.New("change feed unavailable")
)
