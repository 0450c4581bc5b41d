package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg/token"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a user and print its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a relay subscriber token from RELAY_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	userAddCmd.Flags().String("display-name", "", "optional display name")
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd, tokenCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	b, err := initBackend(cmd.Context(), cfg, false, log)
	if err != nil {
		return err
	}
	defer b.Close()

	user := &models.User{Username: strings.TrimSpace(args[0])}
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}
	if name, _ := cmd.Flags().GetString("display-name"); name != "" {
		req := models.UpdateDisplayNameRequest{DisplayName: name}
		if err := req.Validate(); err != nil {
			return err
		}
		user.DisplayName = &req.DisplayName
	}

	if err := b.Admin.CreateUser(cmd.Context(), user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), user.ID)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	issuer, err := token.NewIssuer(cfg.Relay.Secret, cfg.Relay.TokenTTL)
	if err != nil {
		return err
	}
	tok, err := issuer.Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
