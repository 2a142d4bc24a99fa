package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-f5tts/internal/audio"
	"github.com/example/go-f5tts/internal/engine"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/testutil"
	"github.com/example/go-f5tts/internal/voice"
)

type stubEngine struct {
	mu    sync.Mutex
	calls int
	infer func(ctx context.Context, req engine.Request) (engine.Result, error)
}

func (e *stubEngine) Infer(ctx context.Context, req engine.Request) (engine.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.infer != nil {
		return e.infer(ctx, req)
	}
	return engine.Result{Samples: make([]float32, 2400), SampleRate: audio.SampleRate}, nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	modelDir     string
	profilesRoot string
	cacheDir     string
	repo         *voice.Repository
	eng          *stubEngine
	vocoderCalls atomic.Int32
	vocoderErr   error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		modelDir:     testutil.ModelRoot(t, testutil.ModelRootOptions{}),
		profilesRoot: t.TempDir(),
		cacheDir:     t.TempDir(),
		eng:          &stubEngine{},
	}
	testutil.Profile(t, f.profilesRoot, "alice", "hello there")
	testutil.Profile(t, f.profilesRoot, "bob", "good morning.")
	f.repo = voice.NewRepository(f.profilesRoot, nil)
	return f
}

func (f *fixture) options(profile string) Options {
	return Options{
		ModelDir:       f.modelDir,
		CheckpointFile: testutil.CheckpointFile,
		VocabFile:      testutil.VocabFile,
		CacheDir:       f.cacheDir,
		Profile:        profile,
		Repository:     f.repo,
		ModelConfig:    testutil.TinyModelConfig(),
		Device:         "cpu",
		VocoderLoader: func(_ context.Context, name string) (*model.Vocoder, error) {
			f.vocoderCalls.Add(1)
			if f.vocoderErr != nil {
				return nil, f.vocoderErr
			}
			return &model.Vocoder{Name: name}, nil
		},
		Engine: f.eng,
	}
}

func (f *fixture) service(t *testing.T, profile string) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), f.options(profile))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNewServiceReady(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, "alice")

	if svc.Profile().Name != "alice" {
		t.Fatalf("profile = %q", svc.Profile().Name)
	}
	if svc.Device() != model.DeviceCPU {
		t.Fatalf("device = %q", svc.Device())
	}
	if svc.reference.Text != "hello there. " {
		t.Fatalf("reference text = %q", svc.reference.Text)
	}
	if _, err := os.Stat(svc.refPath); err != nil {
		t.Fatalf("preprocessed reference not persisted: %v", err)
	}
	if !strings.HasPrefix(svc.refPath, f.cacheDir) {
		t.Fatalf("reference cached outside cache dir: %s", svc.refPath)
	}
}

func TestNewServiceValidatesBeforeLoading(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture, o *Options)
		path    string
		profile bool
	}{
		{
			name:  "missing model dir",
			setup: func(f *fixture, o *Options) { o.ModelDir = filepath.Join(f.modelDir, "absent") },
			path:  "absent",
		},
		{
			name:  "missing checkpoint",
			setup: func(_ *fixture, o *Options) { o.CheckpointFile = "nope.safetensors" },
			path:  "nope.safetensors",
		},
		{
			name:  "missing vocab",
			setup: func(_ *fixture, o *Options) { o.VocabFile = "nope.txt" },
			path:  "nope.txt",
		},
		{
			name:    "missing profile",
			setup:   func(_ *fixture, o *Options) { o.Profile = "carol" },
			path:    "carol",
			profile: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts := f.options("alice")
			tt.setup(f, &opts)

			_, err := NewService(context.Background(), opts)
			if KindOf(err) != ResourceNotFound {
				t.Fatalf("kind = %v, want ResourceNotFound (err %v)", KindOf(err), err)
			}
			if !strings.Contains(err.Error(), tt.path) {
				t.Fatalf("error %q does not name %q", err, tt.path)
			}
			if tt.profile && !errors.Is(err, voice.ErrProfileNotFound) {
				t.Fatalf("expected ErrProfileNotFound in chain, got %v", err)
			}
			if n := f.vocoderCalls.Load(); n != 0 {
				t.Fatalf("vocoder loaded %d times before validation passed", n)
			}
		})
	}
}

func TestNewServiceStepErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture, o *Options)
		want  Kind
		is    error
	}{
		{
			name: "empty vocabulary",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				if err := os.WriteFile(filepath.Join(f.modelDir, testutil.VocabFile), nil, 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: VocabLoadError,
		},
		{
			name: "invalid model config",
			setup: func(_ *testing.T, _ *fixture, o *Options) {
				o.ModelConfig.Heads = 3
			},
			want: ModelInitError,
		},
		{
			name: "unknown device",
			setup: func(_ *testing.T, _ *fixture, o *Options) {
				o.Device = "tpu"
			},
			want: ModelInitError,
		},
		{
			name: "checkpoint for another vocabulary",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				testutil.WriteCheckpoint(t, filepath.Join(f.modelDir, testutil.CheckpointFile), testutil.TinyModelConfig(), 99)
			},
			want: CheckpointLoadError,
		},
		{
			name: "corrupt checkpoint",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				if err := os.WriteFile(filepath.Join(f.modelDir, testutil.CheckpointFile), []byte("junk"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: CheckpointLoadError,
		},
		{
			name: "vocoder unavailable",
			setup: func(_ *testing.T, f *fixture, _ *Options) {
				f.vocoderErr = model.ErrOffline
			},
			want: VocoderLoadError,
			is:   model.ErrOffline,
		},
		{
			name: "malformed manifest",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				if err := os.WriteFile(filepath.Join(f.profilesRoot, "alice", voice.ManifestName), []byte("just-a-file.wav\n"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: ReferenceLoadError,
			is:   voice.ErrManifestMalformed,
		},
		{
			name: "reference audio missing",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				if err := os.Remove(filepath.Join(f.profilesRoot, "alice", "reference.wav")); err != nil {
					t.Fatal(err)
				}
			},
			want: ReferenceLoadError,
			is:   voice.ErrReferenceAudioMissing,
		},
		{
			name: "reference audio not a wav",
			setup: func(t *testing.T, f *fixture, _ *Options) {
				if err := os.WriteFile(filepath.Join(f.profilesRoot, "alice", "reference.wav"), []byte("text"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: ReferenceLoadError,
			is:   audio.ErrInvalidWAV,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts := f.options("alice")
			tt.setup(t, f, &opts)

			svc, err := NewService(context.Background(), opts)
			if svc != nil {
				t.Fatal("failed construction must not return a service")
			}
			if KindOf(err) != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", KindOf(err), tt.want, err)
			}
			if !KindOf(err).Init() {
				t.Fatalf("%v should be an init error", KindOf(err))
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v in chain, got %v", tt.is, err)
			}
		})
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, "alice")

	for _, text := range []string{"", "   "} {
		_, err := svc.Synthesize(context.Background(), text)
		if !errors.Is(err, &Error{Kind: EmptyInputError}) {
			t.Fatalf("Synthesize(%q) err = %v, want EmptyInputError", text, err)
		}
	}
	if f.eng.Calls() != 0 {
		t.Fatalf("engine called %d times for empty input", f.eng.Calls())
	}
	if _, err := os.Stat(svc.Profile().GeneratedDir); !os.IsNotExist(err) {
		t.Fatalf("empty input must not touch the generated dir (stat err %v)", err)
	}
}

func TestSynthesizeWritesWAV(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, "alice")

	var got engine.Request
	f.eng.infer = func(_ context.Context, req engine.Request) (engine.Result, error) {
		got = req
		return engine.Result{Samples: make([]float32, 4800), SampleRate: audio.SampleRate}, nil
	}

	path, err := svc.Synthesize(context.Background(), "good evening")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if filepath.Dir(path) != svc.Profile().GeneratedDir {
		t.Fatalf("output %s not in %s", path, svc.Profile().GeneratedDir)
	}
	if !strings.HasPrefix(filepath.Base(path), "speech_") || filepath.Ext(path) != ".wav" {
		t.Fatalf("unexpected output name %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	testutil.AssertValidWAV(t, data, audio.SampleRate)
	testutil.AssertWAVDurationApprox(t, data, audio.SampleRate, 0.19, 0.21)

	if got.Text != "good evening" || got.Params != engine.DefaultParams() {
		t.Fatalf("engine request text=%q params=%+v", got.Text, got.Params)
	}
	if got.ReferencePath != svc.refPath || got.Vocoder == nil || got.Vocab == nil || !got.Model.Loaded() {
		t.Fatalf("engine request missing pipeline state: %+v", got)
	}

	entries, _ := os.ReadDir(svc.Profile().GeneratedDir)
	if len(entries) != 1 {
		t.Fatalf("expected only the output file, found %d entries", len(entries))
	}
}

func TestSynthesizeLogsTextLenInCharacters(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	opts := f.options("alice")
	opts.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

	svc, err := NewService(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	text := "héllo wörld" // 11 characters, 13 bytes
	if _, err := svc.Synthesize(context.Background(), text); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if rec["msg"] != "synthesized speech" {
			continue
		}
		if got := rec["text_len"]; got != float64(11) {
			t.Fatalf("text_len = %v, want 11", got)
		}
		return
	}
	t.Fatalf("no synthesis log record in:\n%s", buf.String())
}

func TestSynthesizeOutputNaming(t *testing.T) {
	f := newFixture(t)
	alice := f.service(t, "alice")
	bob := f.service(t, "bob")

	p1, err := alice.Synthesize(context.Background(), "same text")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := alice.Synthesize(context.Background(), "same text")
	if err != nil {
		t.Fatal(err)
	}
	p3, err := alice.Synthesize(context.Background(), "other text")
	if err != nil {
		t.Fatal(err)
	}

	if p1 != p2 {
		t.Fatalf("same text gave different paths: %s vs %s", p1, p2)
	}
	if p1 == p3 {
		t.Fatal("different text gave the same path")
	}
	if filepath.Base(bob.OutputPath("same text")) == filepath.Base(p1) {
		t.Fatal("different profiles must not share output names")
	}
}

func TestSynthesizeFailures(t *testing.T) {
	tests := []struct {
		name  string
		infer func(ctx context.Context, req engine.Request) (engine.Result, error)
		is    error
	}{
		{
			name: "engine error",
			infer: func(context.Context, engine.Request) (engine.Result, error) {
				return engine.Result{}, errors.New("backend exploded")
			},
		},
		{
			name: "empty waveform",
			infer: func(context.Context, engine.Request) (engine.Result, error) {
				return engine.Result{SampleRate: audio.SampleRate}, nil
			},
		},
		{
			name: "panic",
			infer: func(context.Context, engine.Request) (engine.Result, error) {
				panic("index out of range")
			},
		},
		{
			name: "deadline",
			infer: func(ctx context.Context, _ engine.Request) (engine.Result, error) {
				<-ctx.Done()
				return engine.Result{}, fmt.Errorf("inference command: %w", ctx.Err())
			},
			is: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			svc := f.service(t, "alice")
			f.eng.infer = tt.infer

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			path, err := svc.Synthesize(ctx, "hello")
			if path != "" {
				t.Fatalf("failed synthesis returned path %q", path)
			}
			if KindOf(err) != SynthesisFailed {
				t.Fatalf("kind = %v, want SynthesisFailed (err %v)", KindOf(err), err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v in chain, got %v", tt.is, err)
			}
			entries, _ := os.ReadDir(svc.Profile().GeneratedDir)
			if len(entries) != 0 {
				t.Fatalf("failed synthesis left %d files behind", len(entries))
			}
		})
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, "alice")

	// No generated dir yet: nothing to do and no panic.
	svc.Cleanup()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := svc.Synthesize(context.Background(), text); err != nil {
			t.Fatal(err)
		}
	}

	svc.Cleanup()

	entries, err := os.ReadDir(svc.Profile().GeneratedDir)
	if err != nil {
		t.Fatalf("generated dir should survive cleanup: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty generated dir, found %d entries", len(entries))
	}

	// Reference files stay untouched.
	if _, err := os.Stat(svc.Profile().ReferenceAudioPath); err != nil {
		t.Fatalf("reference removed by cleanup: %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(CheckpointLoadError, "/m/x.safetensors", errors.New("bad header")))
	if KindOf(err) != CheckpointLoadError {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if !errors.Is(err, &Error{Kind: CheckpointLoadError}) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(err, &Error{Kind: VocabLoadError}) {
		t.Fatal("errors.Is matched the wrong kind")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors have no kind")
	}
	if EmptyInputError.Init() || SynthesisFailed.Init() || !ResourceNotFound.Init() {
		t.Fatal("Init classification wrong")
	}
}
