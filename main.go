// Package main is the chatsync command.
//
//	chatsync client          interactive session for one user
//	chatsync relay           websocket relay for the change feed, with /metrics
//	chatsync user add NAME   provision a user
//	chatsync token USER_ID   mint a relay token
//
// Every command loads the same configuration (see package config); --config
// points at a YAML file and takes precedence over CHATSYNC_CONFIG.
//
// No globals outside the cobra command tree: each command builds what it
// needs in its RunE and tears it down before returning.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/akinalp/chatsync/config"
	"github.com/akinalp/chatsync/pkg/logger"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat client sync core: directory, timeline, reactions and realtime reconciliation",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (overrides CHATSYNC_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves --config and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CHATSYNC_CONFIG", path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
