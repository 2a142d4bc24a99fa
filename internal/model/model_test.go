package model

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-f5tts/internal/checkpoint"
)

func tinyConfig() Config {
	return Config{
		Dim:        8,
		Depth:      2,
		Heads:      2,
		FFMult:     2,
		TextDim:    4,
		ConvLayers: 1,
		MelDim:     3,
		Mel:        MelConfig{NFFT: 16, HopLength: 4, WinLength: 16, NMels: 3, SampleRate: 24000, Type: "vocos"},
	}
}

func writeCheckpoint(t *testing.T, m *Model, skip string, override map[string][]int64) *checkpoint.Store {
	t.Helper()

	var tensors []checkpoint.Tensor
	for _, spec := range m.RequiredTensors() {
		if spec.Name == skip {
			continue
		}
		shape := spec.Shape
		if s, ok := override[spec.Name]; ok {
			shape = s
		}
		n := int64(1)
		for _, d := range shape {
			n *= d
		}
		tensors = append(tensors, checkpoint.Tensor{Name: spec.Name, Shape: shape, Data: make([]float32, n)})
	}

	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := checkpoint.WriteFile(p, tensors); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	store, err := checkpoint.Open(p, checkpoint.Options{})
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestF5TTSBaseValid(t *testing.T) {
	if err := F5TTSBase().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero dim", func(c *Config) { c.Dim = 0 }, "dim must be positive"},
		{"heads do not divide", func(c *Config) { c.Heads = 3 }, "not divisible"},
		{"mel mismatch", func(c *Config) { c.Mel.NMels = 80 }, "do not match"},
		{"negative conv", func(c *Config) { c.ConvLayers = -1 }, "conv_layers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tinyConfig()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestNewRejectsBadInputs(t *testing.T) {
	if _, err := New(tinyConfig(), 1, DeviceCPU); err == nil {
		t.Fatal("expected error for tiny vocab")
	}
	if _, err := New(tinyConfig(), 10, ""); err == nil {
		t.Fatal("expected error for empty device")
	}
}

func TestLoadWeights(t *testing.T) {
	m, err := New(tinyConfig(), 10, DeviceCPU)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store := writeCheckpoint(t, m, "", nil)

	if err := m.LoadWeights(store); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if !m.Loaded() {
		t.Fatal("model should report loaded")
	}
	if m.CheckpointPath() != store.Path() {
		t.Fatalf("checkpoint path = %q, want %q", m.CheckpointPath(), store.Path())
	}
}

func TestLoadWeightsMissingTensor(t *testing.T) {
	m, _ := New(tinyConfig(), 10, DeviceCPU)
	store := writeCheckpoint(t, m, "transformer.proj_out.weight", nil)

	err := m.LoadWeights(store)
	if err == nil || !strings.Contains(err.Error(), "transformer.proj_out.weight") {
		t.Fatalf("expected missing tensor error, got %v", err)
	}
	if m.Loaded() {
		t.Fatal("model must not bind an incompatible checkpoint")
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	m, _ := New(tinyConfig(), 10, DeviceCPU)
	// A checkpoint trained with a different vocabulary.
	store := writeCheckpoint(t, m, "", map[string][]int64{
		"transformer.text_embed.text_embed.weight": {20, 4},
	})

	err := m.LoadWeights(store)
	if err == nil || !strings.Contains(err.Error(), "shape mismatch") {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestSelectDevice(t *testing.T) {
	orig := cudaAvailable
	t.Cleanup(func() { cudaAvailable = orig })

	tests := []struct {
		pref    string
		cuda    bool
		want    Device
		wantErr bool
	}{
		{"auto", true, DeviceCUDA, false},
		{"", false, DeviceCPU, false},
		{"CPU", true, DeviceCPU, false},
		{"gpu", true, DeviceCUDA, false},
		{"cuda", false, "", true},
		{"tpu", true, "", true},
	}
	for _, tt := range tests {
		cuda := tt.cuda
		cudaAvailable = func() bool { return cuda }
		got, err := SelectDevice(tt.pref)
		if (err != nil) != tt.wantErr {
			t.Fatalf("SelectDevice(%q) err = %v, wantErr %v", tt.pref, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("SelectDevice(%q) = %q, want %q", tt.pref, got, tt.want)
		}
	}
}

func TestVocoderManifest(t *testing.T) {
	m, err := VocoderManifest(" Vocos ")
	if err != nil {
		t.Fatalf("manifest error: %v", err)
	}
	if m.Repo == "" || len(m.Files) == 0 {
		t.Fatalf("unexpected manifest %+v", m)
	}

	if _, err := VocoderManifest("bigvgan-v9"); err == nil {
		t.Fatal("expected error for unknown vocoder")
	}
}
