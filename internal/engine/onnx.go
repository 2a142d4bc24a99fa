package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-f5tts/internal/audio"
)

// DefaultONNXModel is the exported end-to-end graph file name.
const DefaultONNXModel = "f5tts.onnx"

// Graph input and output names of the exported model.
const (
	inputReferenceAudio = "reference_audio"
	inputTextIDs        = "text_ids"
	inputNFEStep        = "nfe_step"
	inputCFGStrength    = "cfg_strength"
	inputSway           = "sway_sampling_coef"
	inputSpeed          = "speed"
	outputWaveform      = "waveform"
)

// ONNXOptions configures the ONNX Runtime engine.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	APIVersion  uint32
}

// ONNX runs an exported F5-TTS graph through ONNX Runtime.
type ONNX struct {
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
	path    string

	closeOnce sync.Once
}

// NewONNX loads the runtime library and creates a session for the graph.
func NewONNX(opts ONNXOptions) (*ONNX, error) {
	if opts.APIVersion == 0 {
		opts.APIVersion = 23
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("onnx graph: %w", err)
	}

	lib, err := DetectRuntimeLibrary(opts.LibraryPath)
	if err != nil {
		return nil, err
	}

	runtime, err := ort.NewRuntime(lib, opts.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime: %w", err)
	}

	env, err := runtime.NewEnv("f5tts", ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("ort env: %w", err)
	}

	session, err := runtime.NewSession(env, opts.ModelPath, nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()
		return nil, fmt.Errorf("ort session (%s): %w", opts.ModelPath, err)
	}

	return &ONNX{runtime: runtime, env: env, session: session, path: opts.ModelPath}, nil
}

// graphInputs are the plain tensors fed to the graph.
type graphInputs struct {
	reference []float32
	textIDs   []int64
	nfeStep   int64
	cfg       float32
	sway      float32
	speed     float32
	// gain applied to the reference; generated audio is divided by it.
	gain float64
}

// buildInputs resamples the reference to the model rate and encodes the
// reference transcript followed by the target text.
func buildInputs(req Request) (graphInputs, error) {
	if req.Vocab == nil {
		return graphInputs{}, errors.New("vocabulary is required")
	}

	rate := req.Model.SampleRate()
	ref := audio.Resample(req.Reference.Samples, req.Reference.SampleRate, rate)
	if len(ref) == 0 {
		return graphInputs{}, errors.New("reference audio is empty")
	}

	gain := req.Reference.Gain
	if gain <= 0 {
		gain = 1
	}

	return graphInputs{
		reference: ref,
		textIDs:   req.Vocab.Encode(req.Reference.Text + req.Text),
		nfeStep:   int64(req.Params.NFEStep),
		cfg:       float32(req.Params.CFGStrength),
		sway:      float32(req.Params.SwaySamplingCoef),
		speed:     float32(req.Params.Speed),
		gain:      gain,
	}, nil
}

// Infer runs the graph once.
func (e *ONNX) Infer(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	in, err := buildInputs(req)
	if err != nil {
		return Result{}, err
	}

	values, err := collectInputs(inputValues(e.runtime, in))
	if err != nil {
		return Result{}, err
	}
	defer closeValues(values)

	outputs, err := e.session.Run(ctx, values)
	if err != nil {
		return Result{}, fmt.Errorf("run graph: %w", err)
	}
	defer closeValues(outputs)

	wave, ok := outputs[outputWaveform]
	if !ok {
		return Result{}, fmt.Errorf("graph output %q missing", outputWaveform)
	}
	data, _, err := ort.GetTensorData[float32](wave)
	if err != nil {
		return Result{}, fmt.Errorf("read waveform: %w", err)
	}

	samples := append([]float32(nil), data...)
	if in.gain != 1 {
		samples = audio.Gain(1 / in.gain)(samples)
	}

	return Result{Samples: samples, SampleRate: req.Model.SampleRate()}, nil
}

// Close releases the session, environment and runtime. Safe to call more
// than once.
func (e *ONNX) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.session.Close()
		e.env.Close()
		err = e.runtime.Close()
	})
	return err
}

type namedInput struct {
	name  string
	build func() (*ort.Value, error)
}

func inputValues(rt *ort.Runtime, in graphInputs) []namedInput {
	return []namedInput{
		{inputReferenceAudio, func() (*ort.Value, error) {
			return newTensor(rt, in.reference, []int64{1, int64(len(in.reference))})
		}},
		{inputTextIDs, func() (*ort.Value, error) {
			return newTensor(rt, in.textIDs, []int64{1, int64(len(in.textIDs))})
		}},
		{inputNFEStep, func() (*ort.Value, error) { return newTensor(rt, []int64{in.nfeStep}, []int64{1}) }},
		{inputCFGStrength, func() (*ort.Value, error) { return newTensor(rt, []float32{in.cfg}, []int64{1}) }},
		{inputSway, func() (*ort.Value, error) { return newTensor(rt, []float32{in.sway}, []int64{1}) }},
		{inputSpeed, func() (*ort.Value, error) { return newTensor(rt, []float32{in.speed}, []int64{1}) }},
	}
}

// collectInputs builds every input. On failure the values built so far are
// released and the errors are joined.
func collectInputs(specs []namedInput) (map[string]*ort.Value, error) {
	values := make(map[string]*ort.Value, len(specs))
	var errs []error
	for _, spec := range specs {
		v, err := spec.build()
		if err != nil {
			errs = append(errs, fmt.Errorf("input %q: %w", spec.name, err))
			continue
		}
		values[spec.name] = v
	}
	if err := errors.Join(errs...); err != nil {
		closeValues(values)
		return nil, err
	}
	return values, nil
}

func newTensor[T float32 | int64](rt *ort.Runtime, data []T, shape []int64) (*ort.Value, error) {
	return ort.NewTensorValue(rt, data, shape)
}

func closeValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}

var runtimeCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

// DetectRuntimeLibrary resolves the ONNX Runtime shared library: the
// configured path, then ORT_LIBRARY_PATH, then common install locations.
func DetectRuntimeLibrary(configured string) (string, error) {
	path := configured
	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}

	if path == "" {
		for _, c := range runtimeCandidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return "", errors.New("unable to detect ONNX Runtime library path; set runtime.ort_library_path or ORT_LIBRARY_PATH")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("onnx runtime library path check failed: %w", err)
	}

	return path, nil
}
