package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the model, voice profile and cache directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			for _, dir := range []string{cfg.Paths.ModelDir, cfg.Paths.VoiceProfilesDir, cfg.Paths.CacheDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "ready %s\n", dir); err != nil {
					return err
				}
			}

			return nil
		},
	}
}
