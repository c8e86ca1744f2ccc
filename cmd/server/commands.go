package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/vibe-relay/internal/identity"
	"github.com/ashureev/vibe-relay/internal/sandbox"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Stop every expired sandbox once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}

		st, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		provider, err := openProvider(cfg)
		if err != nil {
			return err
		}
		defer provider.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout.SandboxStop)
		defer cancel()

		stopped := sandbox.Sweep(ctx, provider, time.Now(), cleanupSandbox(st, nil))
		fmt.Fprintf(cmd.OutOrStdout(), "stopped %d expired sandbox(es)\n", stopped)
		return nil
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <email>",
	Short: "Print a signed session token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		if cfg.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET must be set to issue tokens")
		}

		email := strings.TrimSpace(args[0])
		if !strings.Contains(email, "@") {
			return fmt.Errorf("invalid email %q", email)
		}

		token, err := identity.NewIssuer(cfg.SessionSecret, tokenTTL).Issue(email)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
