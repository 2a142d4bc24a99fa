package audio

import (
	"errors"
	"strings"
	"time"
)

// Reference clip limits applied before conditioning the model on a voice.
const (
	MaxReferenceDuration = 15 * time.Second
	ReferencePadding     = 50 * time.Millisecond

	// TargetRMS is the loudness quiet references are raised to.
	TargetRMS = 0.1
)

// Reference is a preprocessed voice prompt.
type Reference struct {
	Clip
	Text string
	// Gain applied to reach TargetRMS; engines divide generated audio by it.
	Gain float64
}

// PrepareReference clips the audio to MaxReferenceDuration, appends
// ReferencePadding of silence, raises quiet recordings to TargetRMS and
// normalizes the transcript.
func PrepareReference(clip Clip, text string) (Reference, error) {
	if len(clip.Samples) == 0 {
		return Reference{}, errors.New("reference audio is empty")
	}
	if strings.TrimSpace(text) == "" {
		return Reference{}, errors.New("reference transcript is empty")
	}

	gain := 1.0
	if rms := RMS(clip.Samples); rms > 0 && rms < TargetRMS {
		gain = TargetRMS / rms
	}

	samples := ApplyHooks(clip.Samples,
		Truncate(clip.SampleRate, MaxReferenceDuration),
		Gain(gain),
		PadSilence(clip.SampleRate, ReferencePadding),
	)

	return Reference{
		Clip: Clip{Samples: samples, SampleRate: clip.SampleRate},
		Text: NormalizeRefText(text),
		Gain: gain,
	}, nil
}

// NormalizeRefText makes the transcript end in sentence punctuation followed
// by a space so generated text does not run into it.
func NormalizeRefText(text string) string {
	if strings.HasSuffix(text, ". ") || strings.HasSuffix(text, "。") {
		return text
	}
	if strings.HasSuffix(text, ".") {
		return text + " "
	}
	return text + ". "
}
