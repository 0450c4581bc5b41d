package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/akinalp/chatsync/pkg/ratelimit"
	"github.com/akinalp/chatsync/pkg/token"
	"github.com/akinalp/chatsync/ws"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the change feed to remote clients over websocket",
	Long: `Runs the websocket relay. Clients configured with FEED_DRIVER=relay
subscribe here instead of to the backend directly.

The relay needs a backend whose events reach it: postgres (LISTEN/NOTIFY)
or a redis feed shared with the writers.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

// runRelay wires and serves the relay.
//
// 1. Config and logger
// 2. Backend and hub
// 3. Token validator and connect limiter
// 4. Routes behind CORS
// 5. Serve until a signal, then shut the hub down before the server
func runRelay(cmd *cobra.Command, _ []string) error {
	// 1.
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// 2.
	b, err := initBackend(ctx, cfg, false, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if cfg.Backend.Driver == "sqlite" && cfg.Feed.Driver != "redis" {
		log.Warn().Msg("sqlite without a redis feed: the relay only sees its own writes")
	}

	// 3.
	issuer, err := token.NewIssuer(cfg.Relay.Secret, cfg.Relay.TokenTTL)
	if err != nil {
		return fmt.Errorf("relay needs RELAY_SECRET: %w", err)
	}
	var limiter *ratelimit.ConnectLimiter
	if cfg.Relay.ConnectLimit > 0 {
		limiter = ratelimit.NewConnectLimiter(cfg.Relay.ConnectLimit, time.Minute)
		defer limiter.Close()
	}
	wsHandler := ws.NewHandler(b.Hub, issuer, b.Store, limiter, cfg.Relay.AllowedOrigins, log)

	// 4.
	mux := http.NewServeMux()
	initRoutes(mux, b.Hub, wsHandler)

	origins := cfg.Relay.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	// 5.
	srv := &http.Server{
		Addr:              cfg.Relay.Addr(),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	// Connections first, so clients see a close frame rather than a reset.
	b.Hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("relay stopped")
	return nil
}
