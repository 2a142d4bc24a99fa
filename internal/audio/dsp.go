package audio

import (
	"math"
	"time"
)

// Hook transforms a block of mono samples.
type Hook func(samples []float32) []float32

// ApplyHooks runs hooks in order.
func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	out := samples
	for _, hook := range hooks {
		out = hook(out)
	}

	return out
}

// MixDown averages interleaved frames into a mono signal.
func MixDown(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), interleaved...)
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var acc float32
		for c := range channels {
			acc += interleaved[i*channels+c]
		}
		out[i] = acc / float32(channels)
	}
	return out
}

// RMS returns the root mean square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(samples)))
}

// Gain scales every sample by g.
func Gain(g float64) Hook {
	return func(samples []float32) []float32 {
		out := make([]float32, len(samples))
		for i, s := range samples {
			out[i] = float32(float64(s) * g)
		}
		return out
	}
}

// Truncate keeps at most d of audio at sampleRate.
func Truncate(sampleRate int, d time.Duration) Hook {
	return func(samples []float32) []float32 {
		n := samplesFor(sampleRate, d)
		if len(samples) <= n {
			return samples
		}
		return samples[:n]
	}
}

// PadSilence appends d of silence at sampleRate.
func PadSilence(sampleRate int, d time.Duration) Hook {
	return func(samples []float32) []float32 {
		out := make([]float32, len(samples), len(samples)+samplesFor(sampleRate, d))
		copy(out, samples)
		return append(out, make([]float32, samplesFor(sampleRate, d))...)
	}
}

func samplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// Resample converts samples from one rate to another by linear
// interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}
