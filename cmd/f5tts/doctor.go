package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-f5tts/internal/checkpoint"
	"github.com/example/go-f5tts/internal/config"
	"github.com/example/go-f5tts/internal/doctor"
	"github.com/example/go-f5tts/internal/engine"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/vocab"
	"github.com/example/go-f5tts/internal/voice"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, model and voice profile checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "engine: %s\n", cfg.TTS.Engine)

			result := doctor.Run(doctorConfig(cfg), out)

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}
}

func doctorConfig(cfg config.Config) doctor.Config {
	onnxMode := cfg.TTS.Engine == config.EngineONNX
	vocabPath := filepath.Join(cfg.Paths.ModelDir, cfg.Paths.VocabFile)

	dcfg := doctor.Config{
		CLIVersion:    func() (string, error) { return probeCLI(cfg.TTS.CLIPath) },
		SkipCLI:       onnxMode,
		PythonVersion: probePythonVersion,
		SkipPython:    onnxMode,

		ModelDir:       cfg.Paths.ModelDir,
		CheckpointPath: filepath.Join(cfg.Paths.ModelDir, cfg.Paths.CheckpointFile),
		ValidateCheckpoint: func(path string) error {
			return validateCheckpoint(path, vocabPath)
		},
		VocabPath: vocabPath,
		ValidateVocab: func(path string) error {
			_, err := vocab.LoadFile(path)
			return err
		},

		Profiles:      voice.NewRepository(cfg.Paths.VoiceProfilesDir, slog.Default()),
		DefaultSecret: cfg.Auth.UsesDefaultSecret(),
	}

	if onnxMode {
		dcfg.ONNXModelPath = filepath.Join(cfg.Paths.ModelDir, cfg.TTS.ONNXModel)
		dcfg.RuntimeLibrary = func() (string, error) {
			return engine.DetectRuntimeLibrary(cfg.Runtime.ORTLibraryPath)
		}
	}

	return dcfg
}

// validateCheckpoint binds the checkpoint header to the base model shapes
// without reading tensor data.
func validateCheckpoint(path, vocabPath string) error {
	v, err := vocab.LoadFile(vocabPath)
	if err != nil {
		return fmt.Errorf("vocabulary needed for shape check: %w", err)
	}

	m, err := model.New(model.F5TTSBase(), v.Size(), model.DeviceCPU)
	if err != nil {
		return err
	}
	defer m.Close()

	store, err := checkpoint.Open(path, checkpoint.Options{KeyMapper: checkpoint.StripPrefixes("ema_model.")})
	if err != nil {
		return err
	}
	if err := m.LoadWeights(store); err != nil {
		_ = store.Close()
		return err
	}
	return nil
}

// probeCLI resolves the inference command on PATH.
func probeCLI(exe string) (string, error) {
	if exe == "" {
		exe = engine.DefaultCLIPath
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("%s: %w", exe, err)
	}
	return path, nil
}

// probePythonVersion tries python3 then python and returns the version string.
func probePythonVersion() (string, error) {
	for _, bin := range []string{"python3", "python"} {
		out, err := exec.CommandContext(context.Background(), bin, "--version").Output()
		if err != nil {
			continue
		}
		// Output is e.g. "Python 3.11.4\n"
		raw := strings.TrimPrefix(strings.TrimSpace(string(out)), "Python ")
		if raw != "" {
			return raw, nil
		}
	}

	return "", errors.New("python3/python not found on PATH")
}
