package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/backend/postgres"
	"github.com/akinalp/chatsync/backend/redisfeed"
	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/database"
	"github.com/akinalp/chatsync/pkg/token"
	"github.com/akinalp/chatsync/ws"
)

// Backend is the store a process talks to, plus the hub that fans its
// change events out to local subscribers (and relay clients).
type Backend struct {
	Store backend.Store
	Admin backend.UserAdmin
	Hub   *ws.Hub

	closers []io.Closer
}

// Close releases everything in reverse order of creation.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

// initBackend builds the configured store and change feed.
//
// 1. Hub (in-process fan-out, always present)
// 2. Feed: the hub itself, or redis pub/sub relayed into the hub
// 3. Store: sqlite (writes publish to the feed) or postgres (LISTEN/NOTIFY into the hub)
// 4. For clients with feed=relay, subscriptions go to a remote relay instead
//
// remote is false for the relay command: a relay serves its own hub and
// never subscribes to another relay.
func initBackend(ctx context.Context, cfg *config.Config, remote bool, log zerolog.Logger) (*Backend, error) {
	b := &Backend{}
	fail := func(err error) (*Backend, error) {
		b.Close()
		return nil, err
	}

	// 1. Hub
	hub := ws.NewHub(cfg.Session.QueueSize, log)
	go hub.Run()
	b.Hub = hub
	b.closers = append(b.closers, hub)

	// 2. Feed
	var feed backend.Feed = hub
	if cfg.Feed.Driver == "redis" {
		rf, err := redisfeed.New(ctx, cfg.Feed.RedisURL, cfg.Feed.RedisChannel, hub, log)
		if err != nil {
			return fail(err)
		}
		feed = rf
		b.closers = append(b.closers, rf)
	}

	// 3. Store
	switch cfg.Backend.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Backend.SQLitePath), 0o755); err != nil {
			return fail(fmt.Errorf("failed to create data directory: %w", err))
		}
		db, err := database.New(cfg.Backend.SQLitePath, database.Migrations(), log)
		if err != nil {
			return fail(err)
		}
		local := backend.NewLocal(db, feed, log)
		b.Store, b.Admin = local, local
	case "postgres":
		if cfg.Feed.Driver == "redis" {
			log.Warn().Msg("postgres publishes through LISTEN/NOTIFY; redis feed only carries other writers' events")
		}
		pg, err := postgres.New(ctx, cfg.Backend.PostgresURL, hub, log)
		if err != nil {
			return fail(err)
		}
		b.Store, b.Admin = pg, pg
	}
	b.closers = append(b.closers, b.Store)

	// 4. Remote subscriptions
	if remote && cfg.Feed.Driver == "relay" {
		tok, err := relayToken(cfg)
		if err != nil {
			return fail(err)
		}
		rf := ws.NewRemoteFeed(cfg.Feed.RelayURL, tok, cfg.Session.QueueSize, log)
		b.Store = backend.WithFeed(b.Store, rf)
		b.closers = append(b.closers, rf)
	}

	log.Info().
		Str("backend", cfg.Backend.Driver).
		Str("feed", cfg.Feed.Driver).
		Msg("backend ready")
	return b, nil
}

// relayToken returns the configured relay token, or mints one for the
// session user from the relay secret.
func relayToken(cfg *config.Config) (string, error) {
	if cfg.Feed.RelayToken != "" {
		return cfg.Feed.RelayToken, nil
	}
	issuer, err := token.NewIssuer(cfg.Relay.Secret, cfg.Relay.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("relay feed needs RELAY_TOKEN or RELAY_SECRET: %w", err)
	}
	return issuer.Issue(cfg.Session.UserID)
}
