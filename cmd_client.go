package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/akinalp/chatsync/services"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Interactive chat session for one user",
	Long: `Starts a session for the configured user (CHATSYNC_USER_ID or --user)
and reads commands from stdin. Plain lines are sent to the active channel;
type /help for the command list.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringP("user", "u", "", "user id (overrides CHATSYNC_USER_ID)")
	clientCmd.Flags().String("metrics-addr", "", "serve /metrics on this address (overrides METRICS_ADDR)")
	rootCmd.AddCommand(clientCmd)
}

// runClient runs one session until stdin closes or a signal arrives.
//
// 1. Config; flags override the environment
// 2. Backend (store + feed)
// 3. Optional metrics endpoint
// 4. Session start, then the console loop
func runClient(cmd *cobra.Command, _ []string) error {
	// 1.
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		cfg.Session.UserID = u
	}
	if a, _ := cmd.Flags().GetString("metrics-addr"); a != "" {
		cfg.Metrics.Addr = a
	}
	if cfg.Session.UserID == "" {
		return fmt.Errorf("a user id is required (--user or CHATSYNC_USER_ID)")
	}
	log := newLogger(cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// 2.
	b, err := initBackend(ctx, cfg, true, log)
	if err != nil {
		return err
	}
	defer b.Close()

	// 3.
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	// 4.
	session, err := services.NewSession(b.Store, cfg.Session, log)
	if err != nil {
		return err
	}
	defer session.Close()
	if err := session.Start(ctx); err != nil {
		return err
	}

	c := newConsole(session, os.Stdout)
	return c.run(ctx, os.Stdin)
}
