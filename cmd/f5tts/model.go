package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-f5tts/internal/model"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model acquisition commands",
	}

	cmd.AddCommand(newModelDownloadCmd())
	return cmd
}

func newModelDownloadCmd() *cobra.Command {
	var (
		vocoder string
		outDir  string
		hfToken string
		hubURL  string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download vocoder files from Hugging Face into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if vocoder == "" {
				vocoder = cfg.TTS.Vocoder
			}
			if outDir == "" {
				outDir = cfg.Paths.CacheDir
			}
			if hfToken == "" {
				hfToken = cfg.TTS.HFToken
			}

			v, err := model.LoadVocoder(cmd.Context(), model.VocoderOptions{
				Name:     vocoder,
				CacheDir: outDir,
				HFToken:  hfToken,
				BaseURL:  hubURL,
				Stdout:   cmd.OutOrStdout(),
			})
			if err != nil {
				var denied *model.AccessDeniedError
				if errors.As(err, &denied) && hfToken == "" {
					return fmt.Errorf("model download failed: %w (set HF_TOKEN or --hf-token)", err)
				}
				return fmt.Errorf("model download failed: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "vocoder %s ready in %s\n", v.Name, v.Dir)
			return err
		},
	}

	cmd.Flags().StringVar(&vocoder, "vocoder", "", "Vocoder to fetch (defaults to tts.vocoder)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Cache directory (defaults to paths.cache_dir)")
	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hugging Face token (falls back to HF_TOKEN)")
	cmd.Flags().StringVar(&hubURL, "hub-url", model.DefaultHubURL, "Hugging Face endpoint")

	return cmd
}
