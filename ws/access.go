package ws

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg/cache"
)

const (
	memberTTL    = time.Minute
	nonMemberTTL = 2 * time.Second
	lookupWait   = 5 * time.Second
)

// MembershipSource lists a channel's members. backend.Store satisfies it.
type MembershipSource interface {
	FetchMemberIDs(ctx context.Context, channelID string) ([]string, error)
}

// channelAccess decides which channel-scoped rows one relay user may
// receive. Answers are cached per channel; a "no" expires quickly so a
// user added to a channel starts receiving its rows within seconds.
type channelAccess struct {
	userID  string
	source  MembershipSource
	log     zerolog.Logger
	members *cache.TTLCache[string, struct{}]
	outside *cache.TTLCache[string, struct{}]
}

func newChannelAccess(userID string, source MembershipSource, log zerolog.Logger) *channelAccess {
	return &channelAccess{
		userID:  userID,
		source:  source,
		log:     log,
		members: cache.New[string, struct{}](memberTTL, time.Minute),
		outside: cache.New[string, struct{}](nonMemberTTL, 5*nonMemberTTL),
	}
}

func (a *channelAccess) close() {
	a.members.Close()
	a.outside.Close()
}

// restricted reports whether rows of table belong to a channel.
func restricted(table string) bool {
	switch table {
	case models.TableChannels, models.TableMessages, models.TableReactions:
		return true
	}
	return false
}

// channelColumn names the column holding the channel id of table's rows.
func channelColumn(table string) string {
	if table == models.TableChannels {
		return "id"
	}
	return "channel_id"
}

// channelOf returns the channel a row of a restricted table belongs to.
func channelOf(ev *models.ChangeEvent) string {
	return ev.Field(channelColumn(ev.Table))
}

// allows reports whether the user may see ev.
func (a *channelAccess) allows(ev *models.ChangeEvent) bool {
	if !restricted(ev.Table) {
		return true
	}
	channelID := channelOf(ev)
	if channelID == "" {
		return false
	}
	return a.isMember(channelID)
}

func (a *channelAccess) isMember(channelID string) bool {
	if _, ok := a.members.Get(channelID); ok {
		return true
	}
	if _, ok := a.outside.Get(channelID); ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupWait)
	defer cancel()
	ids, err := a.source.FetchMemberIDs(ctx, channelID)
	if err != nil {
		a.log.Warn().Err(err).Str("channel_id", channelID).Msg("membership lookup failed, withholding row")
		return false
	}
	if slices.Contains(ids, a.userID) {
		a.members.Set(channelID, struct{}{})
		return true
	}
	a.outside.Set(channelID, struct{}{})
	return false
}
