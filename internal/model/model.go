// Package model describes the acoustic model, binds it to trained weights and
// a compute device, and resolves the vocoder it decodes with.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-f5tts/internal/checkpoint"
)

// MelConfig holds the mel spectrogram parameters shared by model and vocoder.
type MelConfig struct {
	NFFT       int
	HopLength  int
	WinLength  int
	NMels      int
	SampleRate int
	Type       string
}

// Config holds the fixed architecture hyperparameters.
type Config struct {
	Dim        int
	Depth      int
	Heads      int
	FFMult     int
	TextDim    int
	ConvLayers int
	MelDim     int
	Mel        MelConfig
}

// F5TTSBase returns the hyperparameters of the F5-TTS base model.
func F5TTSBase() Config {
	return Config{
		Dim:        1024,
		Depth:      22,
		Heads:      16,
		FFMult:     2,
		TextDim:    512,
		ConvLayers: 4,
		MelDim:     100,
		Mel: MelConfig{
			NFFT:       1024,
			HopLength:  256,
			WinLength:  1024,
			NMels:      100,
			SampleRate: 24000,
			Type:       "vocos",
		},
	}
}

// Validate checks the hyperparameters are internally consistent.
func (c Config) Validate() error {
	var errs []error

	for name, v := range map[string]int{
		"dim": c.Dim, "depth": c.Depth, "heads": c.Heads, "ff_mult": c.FFMult,
		"text_dim": c.TextDim, "mel_dim": c.MelDim, "sample_rate": c.Mel.SampleRate,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.ConvLayers < 0 {
		errs = append(errs, fmt.Errorf("conv_layers must not be negative, got %d", c.ConvLayers))
	}
	if c.Heads > 0 && c.Dim%c.Heads != 0 {
		errs = append(errs, fmt.Errorf("dim %d not divisible by heads %d", c.Dim, c.Heads))
	}
	if c.Mel.NMels != c.MelDim {
		errs = append(errs, fmt.Errorf("mel channels %d do not match mel_dim %d", c.Mel.NMels, c.MelDim))
	}

	return errors.Join(errs...)
}

// TensorSpec names a tensor the checkpoint must provide.
type TensorSpec struct {
	Name  string
	Shape []int64
}

// Model is a configured network bound to a device and, after LoadWeights,
// to its trained parameters. It is read-only once loaded.
type Model struct {
	cfg       Config
	vocabSize int
	device    Device
	weights   *checkpoint.Store
}

// New instantiates a model for vocabSize text symbols on dev.
func New(cfg Config, vocabSize int, dev Device) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if vocabSize < 2 {
		return nil, fmt.Errorf("vocab size %d too small", vocabSize)
	}
	if dev == "" {
		return nil, errors.New("device is required")
	}

	return &Model{cfg: cfg, vocabSize: vocabSize, device: dev}, nil
}

func (m *Model) Config() Config { return m.cfg }
func (m *Model) VocabSize() int { return m.vocabSize }
func (m *Model) Device() Device { return m.device }
func (m *Model) SampleRate() int { return m.cfg.Mel.SampleRate }
func (m *Model) Loaded() bool { return m.weights != nil }

// CheckpointPath returns the path of the loaded weights, or "".
func (m *Model) CheckpointPath() string {
	if m.weights == nil {
		return ""
	}
	return m.weights.Path()
}

// RequiredTensors lists the parameters whose presence and shape identify a
// compatible checkpoint. The text embedding has one extra row for padding.
func (m *Model) RequiredTensors() []TensorSpec {
	c := m.cfg
	dim := int64(c.Dim)

	specs := []TensorSpec{
		{"transformer.text_embed.text_embed.weight", []int64{int64(m.vocabSize) + 1, int64(c.TextDim)}},
		{"transformer.input_embed.proj.weight", []int64{dim, int64(c.MelDim*2 + c.TextDim)}},
		{"transformer.proj_out.weight", []int64{int64(c.MelDim), dim}},
	}
	for i := 0; i < c.Depth; i++ {
		prefix := fmt.Sprintf("transformer.transformer_blocks.%d.", i)
		specs = append(specs,
			TensorSpec{prefix + "attn.to_q.weight", []int64{dim, dim}},
			TensorSpec{prefix + "ff.ff.0.0.weight", []int64{dim * int64(c.FFMult), dim}},
		)
	}

	return specs
}

// LoadWeights binds store to the model after checking every required tensor
// is present with the expected shape. On success the model owns store.
func (m *Model) LoadWeights(store *checkpoint.Store) error {
	if store == nil {
		return errors.New("checkpoint store is nil")
	}

	var missing, mismatched []string
	for _, spec := range m.RequiredTensors() {
		shape, ok := store.Shape(spec.Name)
		if !ok {
			missing = append(missing, spec.Name)
			continue
		}
		if !equalShape(shape, spec.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s %v (want %v)", spec.Name, shape, spec.Shape))
		}
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing %d required tensors: %s", len(missing), summarize(missing)))
	}
	if len(mismatched) > 0 {
		errs = append(errs, fmt.Errorf("shape mismatch: %s", summarize(mismatched)))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("checkpoint %s incompatible with model: %w", store.Path(), err)
	}

	m.weights = store
	return nil
}

// Weights returns the bound checkpoint, or nil before LoadWeights.
func (m *Model) Weights() *checkpoint.Store { return m.weights }

// Close releases the weights.
func (m *Model) Close() error {
	if m.weights == nil {
		return nil
	}
	return m.weights.Close()
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func summarize(items []string) string {
	const maxItems = 4
	if len(items) <= maxItems {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:maxItems], ", ") + fmt.Sprintf(", ... (%d more)", len(items)-maxItems)
}
