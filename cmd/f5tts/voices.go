package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-f5tts/internal/audio"
	"github.com/example/go-f5tts/internal/voice"
)

func newVoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Manage voice profiles",
	}

	cmd.AddCommand(newVoicesListCmd())
	cmd.AddCommand(newVoicesAddCmd())
	cmd.AddCommand(newVoicesPurgeCmd())
	return cmd
}

func profileRepo() (*voice.Repository, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	return voice.NewRepository(cfg.Paths.VoiceProfilesDir, slog.Default()), nil
}

func newVoicesListCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List voice profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := profileRepo()
			if err != nil {
				return err
			}

			names, err := repo.ListProfiles()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range names {
				if !verbose {
					fmt.Fprintln(out, name)
					continue
				}
				p, err := repo.Resolve(name)
				if err != nil {
					fmt.Fprintf(out, "%s\tinvalid: %v\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%q\n", name, p.ReferenceAudioPath, p.ReferenceText)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show reference audio and transcript")

	return cmd
}

func newVoicesAddCmd() *cobra.Command {
	var (
		audioPath string
		text      string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a voice profile from a reference recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := profileRepo()
			if err != nil {
				return err
			}
			if text == "" {
				return errors.New("--text is required")
			}

			// Reject anything the service could not decode later.
			clip, err := audio.ReadFile(audioPath)
			if err != nil {
				return fmt.Errorf("reference audio: %w", err)
			}

			name := args[0]
			_, statErr := os.Stat(filepath.Join(repo.Root(), name))
			created := os.IsNotExist(statErr)

			refName := "reference" + filepath.Ext(audioPath)
			dir, err := repo.Scaffold(name, refName, text)
			if err != nil {
				return err
			}
			if err := copyReference(audioPath, filepath.Join(dir, refName)); err != nil {
				// A manifest without its audio would not resolve.
				if created {
					_ = os.RemoveAll(dir)
				}
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s (%.1fs reference)\n", dir, clip.Duration().Seconds())
			return err
		},
	}

	cmd.Flags().StringVar(&audioPath, "audio", "", "Reference WAV recording")
	cmd.Flags().StringVar(&text, "text", "", "Transcript of the reference recording")
	_ = cmd.MarkFlagRequired("audio")

	return cmd
}

func newVoicesPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [name...]",
		Short: "Remove generated audio of the given profiles (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := profileRepo()
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				if names, err = repo.ListProfiles(); err != nil {
					return err
				}
			}

			var total, failed int
			for _, name := range names {
				dir, err := repo.Dir(name)
				if err != nil {
					return err
				}
				r, f := voice.PurgeGenerated(filepath.Join(dir, voice.GeneratedDirName), slog.Default())
				total += r
				failed += f
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d file(s)\n", total)
			if failed > 0 {
				return fmt.Errorf("%d file(s) could not be removed", failed)
			}
			return nil
		},
	}
}

var copyReference = copyFile

func copyFile(src, dst string) error {
	if a, b := absPath(src), absPath(dst); a == b {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
