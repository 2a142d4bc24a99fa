// Package doctor provides environment preflight checks for f5tts.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-f5tts/internal/voice"
)

// PassMark, WarnMark and FailMark are the prefix symbols printed for each
// check result.
const (
	PassMark = "✓"
	WarnMark = "!"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// PathCheck validates a file that exists on disk.
type PathCheck func(path string) error

// ProfileSource lists and resolves voice profiles.
type ProfileSource interface {
	ListProfiles() ([]string, error)
	Resolve(name string) (voice.Profile, error)
}

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// CLIVersion probes the inference command.
	CLIVersion VersionFunc
	// SkipCLI skips the inference command check (onnx engine).
	SkipCLI bool
	// PythonVersion returns the Python version string (e.g. "3.11.4").
	PythonVersion VersionFunc
	SkipPython    bool

	ModelDir       string
	CheckpointPath string
	// ValidateCheckpoint checks the checkpoint beyond its existence.
	ValidateCheckpoint PathCheck
	VocabPath          string
	ValidateVocab      PathCheck

	// ONNXModelPath is checked when set.
	ONNXModelPath string
	// RuntimeLibrary locates ONNX Runtime; nil skips the check.
	RuntimeLibrary VersionFunc

	Profiles ProfileSource

	// DefaultSecret reports that the placeholder signing secret is in use.
	DefaultSecret bool
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
	warnings []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// Warnings returns problems that do not fail the run.
func (r *Result) Warnings() []string { return append([]string(nil), r.warnings...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(w io.Writer, check string, err error) {
	r.failures = append(r.failures, fmt.Sprintf("%s: %v", check, err))
	fmt.Fprintf(w, "%s %s: %v\n", FailMark, check, err)
}

func (r *Result) warn(w io.Writer, check, msg string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s: %s", check, msg))
	fmt.Fprintf(w, "%s %s: %s\n", WarnMark, check, msg)
}

func pass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "%s %s: %s\n", PassMark, check, detail)
}

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark, WarnMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- inference command ------------------------------------------------
	if cfg.SkipCLI {
		pass(w, "inference command", "skipped")
	} else if ver, err := cfg.CLIVersion(); err != nil {
		res.fail(w, "inference command", err)
	} else {
		pass(w, "inference command", ver)
	}

	// ---- Python version ---------------------------------------------------
	if cfg.SkipPython {
		pass(w, "python version", "skipped")
	} else if pyVer, err := cfg.PythonVersion(); err != nil {
		res.fail(w, "python version", err)
	} else if pyErr := checkPythonVersion(pyVer); pyErr != nil {
		res.fail(w, "python version "+pyVer, pyErr)
	} else {
		pass(w, "python version", pyVer)
	}

	// ---- model root -------------------------------------------------------
	if err := checkDir(cfg.ModelDir); err != nil {
		res.fail(w, "model dir", err)
	} else {
		pass(w, "model dir", cfg.ModelDir)
	}

	checkFile(&res, w, "checkpoint", cfg.CheckpointPath, cfg.ValidateCheckpoint)
	checkFile(&res, w, "vocabulary", cfg.VocabPath, cfg.ValidateVocab)

	if cfg.ONNXModelPath != "" {
		checkFile(&res, w, "onnx graph", cfg.ONNXModelPath, nil)
	}
	if cfg.RuntimeLibrary != nil {
		if lib, err := cfg.RuntimeLibrary(); err != nil {
			res.fail(w, "onnx runtime", err)
		} else {
			pass(w, "onnx runtime", lib)
		}
	}

	// ---- voice profiles ---------------------------------------------------
	if cfg.Profiles != nil {
		checkProfiles(&res, w, cfg.Profiles)
	}

	// ---- signing secret ---------------------------------------------------
	if cfg.DefaultSecret {
		res.warn(w, "signing secret", "default placeholder in use; set SECRET_KEY")
	} else {
		pass(w, "signing secret", "configured")
	}

	return res
}

func checkDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func checkFile(res *Result, w io.Writer, check, path string, validate PathCheck) {
	fi, err := os.Stat(path)
	if err != nil {
		res.fail(w, check, err)
		return
	}
	if fi.IsDir() {
		res.fail(w, check, fmt.Errorf("%s is a directory", path))
		return
	}
	if validate != nil {
		if err := validate(path); err != nil {
			res.fail(w, check, err)
			return
		}
	}
	pass(w, check, path)
}

func checkProfiles(res *Result, w io.Writer, src ProfileSource) {
	names, err := src.ListProfiles()
	if err != nil {
		res.fail(w, "voice profiles", err)
		return
	}
	if len(names) == 0 {
		res.warn(w, "voice profiles", "none found")
		return
	}
	for _, name := range names {
		p, err := src.Resolve(name)
		if err != nil {
			res.fail(w, "voice profile "+name, err)
			continue
		}
		pass(w, "voice profile "+name, p.ReferenceAudioPath)
	}
}

// checkPythonVersion returns an error if ver is outside [3.10, 3.15).
// ver is expected to be a string like "3.11.4".
func checkPythonVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}
	if minor < 10 {
		return fmt.Errorf("requires Python >=3.10, got 3.%d", minor)
	}
	if minor >= 15 {
		return fmt.Errorf("requires Python <3.15, got 3.%d", minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
