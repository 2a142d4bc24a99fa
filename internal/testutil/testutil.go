// Package testutil provides skip helpers for integration tests and small
// on-disk fixtures shared by package tests.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireF5CLI(t)
//	    root := testutil.ModelRoot(t, testutil.ModelRootOptions{})
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// RequireF5CLI skips the test if the f5-tts inference command is not found
// in PATH or at F5TTS_TTS_CLI_PATH.
func RequireF5CLI(tb testing.TB) {
	tb.Helper()

	exe := os.Getenv("F5TTS_TTS_CLI_PATH")
	if exe == "" {
		exe = "f5-tts_infer-cli"
	}

	if _, err := exec.LookPath(exe); err != nil {
		tb.Skipf("f5-tts inference command not available (%q not in PATH); set F5TTS_TTS_CLI_PATH to override", exe)
	}
}

// RequireONNXRuntime skips the test if the ONNX Runtime shared library named
// by ORT_LIBRARY_PATH does not exist.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	p := os.Getenv("ORT_LIBRARY_PATH")
	if p == "" {
		tb.Skip("ORT_LIBRARY_PATH not set")
	}
	// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("ONNX Runtime library not found at ORT_LIBRARY_PATH=%q", p)
	}
}
