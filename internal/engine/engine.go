// Package engine adapts external F5-TTS inference backends. An engine turns a
// reference voice, its transcript and target text into a waveform.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-f5tts/internal/audio"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/vocab"
)

// Params are the flow-matching decoding parameters.
type Params struct {
	NFEStep          int
	CFGStrength      float64
	SwaySamplingCoef float64
	Speed            float64
}

// DefaultParams returns the decoding parameters the service uses.
func DefaultParams() Params {
	return Params{
		NFEStep:          32,
		CFGStrength:      2.0,
		SwaySamplingCoef: -1.0,
		Speed:            1.0,
	}
}

// String renders the parameters in a stable form suitable for hashing.
func (p Params) String() string {
	return fmt.Sprintf("nfe=%d cfg=%g sway=%g speed=%g", p.NFEStep, p.CFGStrength, p.SwaySamplingCoef, p.Speed)
}

// Validate rejects parameters no backend accepts.
func (p Params) Validate() error {
	if p.NFEStep < 1 {
		return fmt.Errorf("nfe_step must be positive, got %d", p.NFEStep)
	}
	if p.Speed <= 0 {
		return fmt.Errorf("speed must be positive, got %g", p.Speed)
	}
	return nil
}

// Request is one inference call.
type Request struct {
	// Reference is the preprocessed voice prompt; ReferencePath is the same
	// audio persisted as WAV for backends that read files.
	Reference     audio.Reference
	ReferencePath string
	Text          string

	Model   *model.Model
	Vocoder *model.Vocoder
	Vocab   *vocab.Vocab
	Params  Params
}

func (r Request) validate() error {
	if r.Text == "" {
		return errors.New("target text is empty")
	}
	if r.Model == nil || !r.Model.Loaded() {
		return errors.New("model is not loaded")
	}
	if r.Vocoder == nil {
		return errors.New("vocoder is not resolved")
	}
	return r.Params.Validate()
}

// Result is a generated mono waveform.
type Result struct {
	Samples    []float32
	SampleRate int
}

// Engine runs inference. Implementations are safe for concurrent use.
type Engine interface {
	Infer(ctx context.Context, req Request) (Result, error)
	Close() error
}
