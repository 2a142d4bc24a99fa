package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-f5tts/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL()
			}
			if cfg.Auth.UsesDefaultSecret() {
				slog.Warn("signing with the default secret; the token is only valid against a server using it too")
			}

			tok, err := auth.Issue(cfg.Auth.SecretKey, cfg.Auth.Algorithm, auth.IssueOptions{
				Subject: subject,
				Scope:   scope,
				TTL:     ttl,
			})
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "dev", "Token subject (sub claim)")
	cmd.Flags().StringVar(&scope, "scope", "tts", "Token scope claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl_minutes)")

	return cmd
}
