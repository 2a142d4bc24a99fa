package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/example/go-f5tts/internal/audio"
)

// DefaultCLIPath is the inference command installed by the f5-tts package.
const DefaultCLIPath = "f5-tts_infer-cli"

// DefaultCLIModel names the architecture the checkpoint was trained with.
// Newer f5-tts releases default to F5TTS_v1_Base when --model is absent.
const DefaultCLIModel = "F5TTS_Base"

const cliOutputFile = "out.wav"

// CLIOptions configures the command-line engine.
type CLIOptions struct {
	Path       string
	Model      string
	ScratchDir string
	Logger     *slog.Logger
}

// CLI runs each inference as a f5-tts_infer-cli subprocess.
type CLI struct {
	path       string
	model      string
	scratchDir string
	log        *slog.Logger
}

// NewCLI returns an engine that shells out to the inference command.
func NewCLI(opts CLIOptions) *CLI {
	if opts.Path == "" {
		opts.Path = DefaultCLIPath
	}
	if opts.Model == "" {
		opts.Model = DefaultCLIModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CLI{path: opts.Path, model: opts.Model, scratchDir: opts.ScratchDir, log: opts.Logger}
}

// Path returns the configured executable.
func (c *CLI) Path() string { return c.path }

// Args builds the command line for req, writing into outDir.
func (c *CLI) Args(req Request, outDir string) []string {
	p := req.Params
	args := []string{
		"--model", c.model,
		"--ckpt_file", req.Model.CheckpointPath(),
		"--ref_audio", req.ReferencePath,
		"--ref_text", req.Reference.Text,
		"--gen_text", req.Text,
		"--output_dir", outDir,
		"--output_file", cliOutputFile,
		"--nfe_step", strconv.Itoa(p.NFEStep),
		"--cfg_strength", formatFloat(p.CFGStrength),
		"--sway_sampling_coef", formatFloat(p.SwaySamplingCoef),
		"--speed", formatFloat(p.Speed),
		"--vocoder_name", req.Vocoder.Name,
		"--device", string(req.Model.Device()),
	}
	if req.Vocab != nil && req.Vocab.Path() != "" {
		args = append(args, "--vocab_file", req.Vocab.Path())
	}
	return args
}

// Infer runs the command and decodes the WAV it produces.
func (c *CLI) Infer(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if req.ReferencePath == "" {
		return Result{}, errors.New("reference audio path is required")
	}

	outDir, err := os.MkdirTemp(c.scratchDir, "f5tts-cli-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, c.path, c.Args(req, outDir)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.log.Debug("running inference command", "exe", c.path, "text_len", len(req.Text))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("inference command: %w", ctxErr)
		}
		return Result{}, fmt.Errorf("inference command failed: %w: %s", err, lastLine(stderr.String()))
	}

	clip, err := audio.ReadFile(filepath.Join(outDir, cliOutputFile))
	if err != nil {
		return Result{}, fmt.Errorf("read inference output: %w", err)
	}

	return Result{Samples: clip.Samples, SampleRate: clip.SampleRate}, nil
}

// Close is a no-op; the CLI engine holds no resources between calls.
func (c *CLI) Close() error { return nil }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
