package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"broll/internal/pkg/middleware"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the job API",
		Long:  "Sign an HS256 token with http.auth_secret. A zero --ttl never expires.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.HTTP.AuthSecret == "" {
				return errors.New("http.auth_secret is not set; the API accepts requests without a token")
			}
			if ttl < 0 {
				return fmt.Errorf("ttl %s is negative", ttl)
			}
			token, err := middleware.IssueToken(cfg.HTTP.AuthSecret, subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "broll-client", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
