package services

import (
	"slices"

	"github.com/akinalp/chatsync/models"
)

// Reaction ledger: a message's reactions as a set of (emoji, user) tuples
// grouped by emoji. Groups keep first-reaction order, users keep reaction
// order, and an empty group is removed. Both operations return a new
// slice and leave the input untouched.

func hasReaction(groups []models.ReactionGroup, emoji, userID string) bool {
	i := slices.IndexFunc(groups, func(g models.ReactionGroup) bool { return g.Emoji == emoji })
	return i >= 0 && groups[i].HasUser(userID)
}

// addReaction reports false when the tuple was already present.
func addReaction(groups []models.ReactionGroup, emoji, userID string) ([]models.ReactionGroup, bool) {
	if hasReaction(groups, emoji, userID) {
		return groups, false
	}
	out := cloneGroups(groups)
	i := slices.IndexFunc(out, func(g models.ReactionGroup) bool { return g.Emoji == emoji })
	if i < 0 {
		return append(out, models.ReactionGroup{Emoji: emoji, Count: 1, Users: []string{userID}}), true
	}
	out[i].Users = append(out[i].Users, userID)
	out[i].Count = len(out[i].Users)
	return out, true
}

// removeReaction reports false when the tuple was absent.
func removeReaction(groups []models.ReactionGroup, emoji, userID string) ([]models.ReactionGroup, bool) {
	if !hasReaction(groups, emoji, userID) {
		return groups, false
	}
	out := cloneGroups(groups)
	i := slices.IndexFunc(out, func(g models.ReactionGroup) bool { return g.Emoji == emoji })
	out[i].Users = slices.DeleteFunc(out[i].Users, func(u string) bool { return u == userID })
	out[i].Count = len(out[i].Users)
	if out[i].Count == 0 {
		out = slices.Delete(out, i, i+1)
	}
	if len(out) == 0 {
		return nil, true
	}
	return out, true
}

func cloneGroups(groups []models.ReactionGroup) []models.ReactionGroup {
	if groups == nil {
		return nil
	}
	out := make([]models.ReactionGroup, len(groups))
	for i, g := range groups {
		out[i] = models.ReactionGroup{Emoji: g.Emoji, Count: g.Count, Users: slices.Clone(g.Users)}
	}
	return out
}
