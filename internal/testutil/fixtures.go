package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-f5tts/internal/audio"
	"github.com/example/go-f5tts/internal/checkpoint"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/vocab"
)

// Default fixture file names, matching the service defaults.
const (
	CheckpointFile = "final_finetuned_model.safetensors"
	VocabFile      = "F5TTS_Base_vocab.txt"
)

// VocabSymbols is the fixture vocabulary: space, lowercase letters and basic
// punctuation.
var VocabSymbols = append([]string{" "}, append(strings.Split("abcdefghijklmnopqrstuvwxyz", ""), ".", ",", "?")...)

// TinyModelConfig is a model small enough to write a full checkpoint for in
// a test.
func TinyModelConfig() model.Config {
	return model.Config{
		Dim:        8,
		Depth:      1,
		Heads:      2,
		FFMult:     2,
		TextDim:    4,
		ConvLayers: 1,
		MelDim:     3,
		Mel: model.MelConfig{
			NFFT: 16, HopLength: 4, WinLength: 16, NMels: 3, SampleRate: audio.SampleRate, Type: "vocos",
		},
	}
}

// ModelRootOptions controls ModelRoot.
type ModelRootOptions struct {
	Config model.Config
	// SkipCheckpoint and SkipVocab leave the respective file out.
	SkipCheckpoint bool
	SkipVocab      bool
	// VocabSizeOverride writes a checkpoint for a different vocabulary size.
	VocabSizeOverride int
}

// ModelRoot creates a model directory holding a vocabulary and a checkpoint
// compatible with opts.Config (TinyModelConfig when zero).
func ModelRoot(tb testing.TB, opts ModelRootOptions) string {
	tb.Helper()

	cfg := opts.Config
	if cfg.Dim == 0 {
		cfg = TinyModelConfig()
	}

	dir := tb.TempDir()
	vocabPath := filepath.Join(dir, VocabFile)
	if err := os.WriteFile(vocabPath, []byte(strings.Join(VocabSymbols, "\n")+"\n"), 0o644); err != nil {
		tb.Fatalf("write vocab: %v", err)
	}
	v, err := vocab.LoadFile(vocabPath)
	if err != nil {
		tb.Fatalf("load vocab: %v", err)
	}
	if opts.SkipVocab {
		_ = os.Remove(vocabPath)
	}

	if !opts.SkipCheckpoint {
		size := v.Size()
		if opts.VocabSizeOverride > 0 {
			size = opts.VocabSizeOverride
		}
		WriteCheckpoint(tb, filepath.Join(dir, CheckpointFile), cfg, size)
	}

	return dir
}

// WriteCheckpoint writes a zero-valued checkpoint with every tensor a model
// of cfg and vocabSize requires.
func WriteCheckpoint(tb testing.TB, path string, cfg model.Config, vocabSize int) {
	tb.Helper()

	m, err := model.New(cfg, vocabSize, model.DeviceCPU)
	if err != nil {
		tb.Fatalf("model.New: %v", err)
	}

	var tensors []checkpoint.Tensor
	for _, spec := range m.RequiredTensors() {
		n := int64(1)
		for _, d := range spec.Shape {
			n *= d
		}
		tensors = append(tensors, checkpoint.Tensor{Name: spec.Name, Shape: spec.Shape, Data: make([]float32, n)})
	}

	if err := checkpoint.WriteFile(path, tensors); err != nil {
		tb.Fatalf("write checkpoint: %v", err)
	}
}

// LoadedModel returns a tiny model bound to a fixture checkpoint.
func LoadedModel(tb testing.TB) (*model.Model, *vocab.Vocab) {
	tb.Helper()

	root := ModelRoot(tb, ModelRootOptions{})
	v, err := vocab.LoadFile(filepath.Join(root, VocabFile))
	if err != nil {
		tb.Fatalf("load vocab: %v", err)
	}
	m, err := model.New(TinyModelConfig(), v.Size(), model.DeviceCPU)
	if err != nil {
		tb.Fatalf("model.New: %v", err)
	}
	store, err := checkpoint.Open(filepath.Join(root, CheckpointFile), checkpoint.Options{})
	if err != nil {
		tb.Fatalf("open checkpoint: %v", err)
	}
	if err := m.LoadWeights(store); err != nil {
		tb.Fatalf("load weights: %v", err)
	}
	tb.Cleanup(func() { _ = m.Close() })

	return m, v
}

// WriteTone writes n samples of a quarter-scale square wave at rate.
func WriteTone(tb testing.TB, path string, n, rate int) {
	tb.Helper()

	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.25
		} else {
			samples[i] = -0.25
		}
	}
	if err := audio.WriteFile(path, samples, rate); err != nil {
		tb.Fatalf("write wav: %v", err)
	}
}

// Profile creates a voice profile directory under root with a one-second
// reference recording and a manifest.
func Profile(tb testing.TB, root, name, text string) string {
	tb.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("mkdir profile: %v", err)
	}
	WriteTone(tb, filepath.Join(dir, "reference.wav"), audio.SampleRate, audio.SampleRate)
	if err := os.WriteFile(filepath.Join(dir, "samples.txt"), []byte("reference.wav|"+text+"\n"), 0o644); err != nil {
		tb.Fatalf("write manifest: %v", err)
	}
	return dir
}
