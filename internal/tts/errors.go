package tts

import (
	"errors"
	"fmt"
)

// Kind classifies synthesis failures.
type Kind int

const (
	KindUnknown Kind = iota
	ResourceNotFound
	VocabLoadError
	ModelInitError
	CheckpointLoadError
	VocoderLoadError
	ReferenceLoadError
	EmptyInputError
	SynthesisFailed
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	ResourceNotFound:    "resource not found",
	VocabLoadError:      "vocabulary load error",
	ModelInitError:      "model init error",
	CheckpointLoadError: "checkpoint load error",
	VocoderLoadError:    "vocoder load error",
	ReferenceLoadError:  "reference load error",
	EmptyInputError:     "empty input",
	SynthesisFailed:     "synthesis failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Init reports whether k is raised while building a pipeline. Init errors
// are fatal to that pipeline instance only.
func (k Kind) Init() bool {
	return k >= ResourceNotFound && k <= ReferenceLoadError
}

// Error is a classified failure. Path names the offending file or directory
// when there is one.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err,
// &Error{Kind: EmptyInputError}) works without comparing causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil && t.Path == ""
}

func newError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
