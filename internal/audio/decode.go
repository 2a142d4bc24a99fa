package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cwbudde/wav"
)

// ErrInvalidWAV is returned for input that is not a decodable PCM WAV.
var ErrInvalidWAV = errors.New("invalid WAV")

// Clip is mono PCM audio with its sample rate.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// DecodeWAV decodes WAV bytes of any channel count and bit depth supported by
// the decoder, mixing multichannel input down to mono.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty input", ErrInvalidWAV)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: bad header", ErrInvalidWAV)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return Clip{}, fmt.Errorf("%w: sample rate %d, channels %d", ErrInvalidWAV, dec.SampleRate, dec.NumChans)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return Clip{
		Samples:    MixDown(buf.Data, int(dec.NumChans)),
		SampleRate: int(dec.SampleRate),
	}, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("read wav: %w", err)
	}
	clip, err := DecodeWAV(data)
	if err != nil {
		return Clip{}, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}
