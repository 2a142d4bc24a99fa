// Package tts builds voice-cloning synthesis pipelines and keeps them in a
// bounded registry keyed by voice profile.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/go-f5tts/internal/audio"
	"github.com/example/go-f5tts/internal/checkpoint"
	"github.com/example/go-f5tts/internal/engine"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/vocab"
	"github.com/example/go-f5tts/internal/voice"
)

// VocoderLoader resolves a vocoder by name.
type VocoderLoader func(ctx context.Context, name string) (*model.Vocoder, error)

// HubVocoderLoader resolves vocoders from the model hub into base.CacheDir.
func HubVocoderLoader(base model.VocoderOptions) VocoderLoader {
	return func(ctx context.Context, name string) (*model.Vocoder, error) {
		opts := base
		opts.Name = name
		return model.LoadVocoder(ctx, opts)
	}
}

// Options configures a Service.
type Options struct {
	ModelDir       string
	CheckpointFile string
	VocabFile      string
	// CacheDir holds preprocessed reference audio.
	CacheDir string

	Profile    string
	Repository *voice.Repository

	// ModelConfig defaults to model.F5TTSBase.
	ModelConfig model.Config
	Device      string
	Vocoder     string

	VocoderLoader VocoderLoader
	Engine        engine.Engine
	// Params defaults to engine.DefaultParams.
	Params engine.Params

	Logger *slog.Logger
}

// Service is a ready synthesis pipeline bound to one voice profile. It is
// immutable after NewService returns and safe for concurrent use.
type Service struct {
	opts Options
	log  *slog.Logger

	vocab     *vocab.Vocab
	model     *model.Model
	vocoder   *model.Vocoder
	profile   voice.Profile
	reference audio.Reference
	refPath   string
}

// NewService runs every initialization step in order and returns either a
// ready pipeline or the first step's error. No step loads anything until
// all required paths have been checked.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Repository == nil {
		return nil, errors.New("voice repository is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("inference engine is required")
	}
	if opts.VocoderLoader == nil {
		return nil, errors.New("vocoder loader is required")
	}
	if opts.ModelConfig.Dim == 0 {
		opts.ModelConfig = model.F5TTSBase()
	}
	if opts.Params == (engine.Params{}) {
		opts.Params = engine.DefaultParams()
	}
	if opts.Vocoder == "" {
		opts.Vocoder = opts.ModelConfig.Mel.Type
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		opts: opts,
		log:  opts.Logger.With(slog.String("voice", opts.Profile)),
	}

	start := time.Now()
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"validate", s.validateResources},
		{"vocabulary", s.loadVocab},
		{"model", s.initModel},
		{"checkpoint", s.loadCheckpoint},
		{"vocoder", s.loadVocoder},
		{"reference", s.loadReference},
	}
	for _, step := range steps {
		stepStart := time.Now()
		if err := step.run(ctx); err != nil {
			s.log.Error("pipeline initialization failed",
				slog.String("step", step.name),
				slog.String("error", err.Error()),
			)
			_ = s.Close()
			return nil, err
		}
		s.log.Debug("pipeline step done",
			slog.String("step", step.name),
			slog.Int64("duration_ms", time.Since(stepStart).Milliseconds()),
		)
	}

	s.log.Info("pipeline ready",
		slog.String("device", string(s.model.Device())),
		slog.Int("vocab_size", s.vocab.Size()),
		slog.String("vocoder", s.vocoder.Name),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return s, nil
}

func (s *Service) checkpointPath() string {
	return filepath.Join(s.opts.ModelDir, s.opts.CheckpointFile)
}

func (s *Service) vocabPath() string {
	return filepath.Join(s.opts.ModelDir, s.opts.VocabFile)
}

func (s *Service) validateResources(context.Context) error {
	for _, p := range []struct {
		path string
		dir  bool
	}{
		{s.opts.ModelDir, true},
		{s.checkpointPath(), false},
		{s.vocabPath(), false},
	} {
		fi, err := os.Stat(p.path)
		if err != nil {
			return newError(ResourceNotFound, p.path, err)
		}
		if fi.IsDir() != p.dir {
			return newError(ResourceNotFound, p.path, fmt.Errorf("wrong file type"))
		}
	}

	if _, err := s.opts.Repository.Dir(s.opts.Profile); err != nil {
		return newError(ResourceNotFound, filepath.Join(s.opts.Repository.Root(), s.opts.Profile), err)
	}

	return nil
}

func (s *Service) loadVocab(context.Context) error {
	v, err := vocab.LoadFile(s.vocabPath())
	if err != nil {
		return newError(VocabLoadError, s.vocabPath(), err)
	}
	s.vocab = v
	return nil
}

func (s *Service) initModel(context.Context) error {
	dev, err := model.SelectDevice(s.opts.Device)
	if err != nil {
		return newError(ModelInitError, "", err)
	}
	m, err := model.New(s.opts.ModelConfig, s.vocab.Size(), dev)
	if err != nil {
		return newError(ModelInitError, "", err)
	}
	s.model = m
	return nil
}

func (s *Service) loadCheckpoint(context.Context) error {
	store, err := checkpoint.Open(s.checkpointPath(), checkpoint.Options{
		KeyMapper: checkpoint.StripPrefixes("ema_model."),
	})
	if err != nil {
		return newError(CheckpointLoadError, s.checkpointPath(), err)
	}
	if err := s.model.LoadWeights(store); err != nil {
		_ = store.Close()
		return newError(CheckpointLoadError, s.checkpointPath(), err)
	}
	return nil
}

func (s *Service) loadVocoder(ctx context.Context) error {
	v, err := s.opts.VocoderLoader(ctx, s.opts.Vocoder)
	if err != nil {
		return newError(VocoderLoadError, "", err)
	}
	s.vocoder = v
	return nil
}

func (s *Service) loadReference(context.Context) error {
	p, err := s.opts.Repository.Resolve(s.opts.Profile)
	if err != nil {
		return newError(ReferenceLoadError, "", err)
	}

	clip, err := audio.ReadFile(p.ReferenceAudioPath)
	if err != nil {
		return newError(ReferenceLoadError, p.ReferenceAudioPath, err)
	}
	ref, err := audio.PrepareReference(clip, p.ReferenceText)
	if err != nil {
		return newError(ReferenceLoadError, p.ReferenceAudioPath, err)
	}

	refPath, err := s.persistReference(p, ref)
	if err != nil {
		return newError(ReferenceLoadError, p.ReferenceAudioPath, err)
	}

	s.profile = p
	s.reference = ref
	s.refPath = refPath
	return nil
}

// persistReference writes the preprocessed reference into the cache so
// file-based engines read the same audio the service conditioned on.
func (s *Service) persistReference(p voice.Profile, ref audio.Reference) (string, error) {
	dir := s.opts.CacheDir
	if dir == "" {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "references")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reference cache: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.wav", p.Name, digest(p.ReferenceAudioPath, p.ReferenceText)))
	if err := writeAtomic(path, ref.Samples, ref.SampleRate); err != nil {
		return "", err
	}
	return path, nil
}

// Profile returns the voice profile the pipeline is bound to.
func (s *Service) Profile() voice.Profile { return s.profile }

// Device returns the compute device the model runs on.
func (s *Service) Device() model.Device { return s.model.Device() }

// OutputPath returns where Synthesize stores the audio for text. Equal text
// always maps to the same file.
func (s *Service) OutputPath(text string) string {
	name := "speech_" + digest(s.profile.Name, s.opts.Params.String(), text) + ".wav"
	return filepath.Join(s.profile.GeneratedDir, name)
}

// Synthesize generates speech for text in the pipeline's voice and returns
// the path of the written WAV file.
func (s *Service) Synthesize(ctx context.Context, text string) (path string, err error) {
	if strings.TrimSpace(text) == "" {
		return "", newError(EmptyInputError, "", errors.New("text is empty"))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during synthesis",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			path, err = "", newError(SynthesisFailed, "", fmt.Errorf("panic: %v", r))
		}
	}()

	textLen := utf8.RuneCountInString(text)
	start := time.Now()
	res, err := s.opts.Engine.Infer(ctx, engine.Request{
		Reference:     s.reference,
		ReferencePath: s.refPath,
		Text:          text,
		Model:         s.model,
		Vocoder:       s.vocoder,
		Vocab:         s.vocab,
		Params:        s.opts.Params,
	})
	if err != nil {
		s.log.Error("inference failed", slog.Int("text_len", textLen), slog.String("error", err.Error()))
		return "", newError(SynthesisFailed, "", err)
	}
	if len(res.Samples) == 0 {
		s.log.Error("inference returned no audio", slog.Int("text_len", textLen))
		return "", newError(SynthesisFailed, "", errors.New("engine returned an empty waveform"))
	}

	out := s.OutputPath(text)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", newError(SynthesisFailed, filepath.Dir(out), err)
	}
	if err := writeAtomic(out, res.Samples, res.SampleRate); err != nil {
		s.log.Error("write output failed", slog.String("path", out), slog.String("error", err.Error()))
		return "", newError(SynthesisFailed, out, err)
	}

	s.log.Info("synthesized speech",
		slog.Int("text_len", textLen),
		slog.Int("samples", len(res.Samples)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.String("path", out),
	)

	return out, nil
}

// Cleanup removes every generated output of the profile. Failures are
// logged and never stop the loop.
func (s *Service) Cleanup() {
	if s.profile.GeneratedDir == "" {
		return
	}
	removed, failed := voice.PurgeGenerated(s.profile.GeneratedDir, s.log)
	s.log.Info("cleaned generated outputs", slog.Int("removed", removed), slog.Int("failed", failed))
}

// Close releases the model weights.
func (s *Service) Close() error {
	if s.model == nil {
		return nil
	}
	return s.model.Close()
}

// writeAtomic writes a WAV next to path and renames it into place, so
// concurrent writers of the same path never expose a partial file.
func writeAtomic(path string, samples []float32, sampleRate int) error {
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := audio.WriteFile(tmp, samples, sampleRate); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
