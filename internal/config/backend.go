package config

import (
	"fmt"
	"strings"
)

const (
	EngineCLI  = "cli"
	EngineONNX = "onnx"
)

func NormalizeEngine(raw string) (string, error) {
	engine := strings.ToLower(strings.TrimSpace(raw))
	if engine == "" {
		engine = EngineCLI
	}
	switch engine {
	case EngineCLI, EngineONNX:
		return engine, nil
	case "subprocess":
		return EngineCLI, nil
	case "ort", "onnxruntime":
		return EngineONNX, nil
	default:
		return "", fmt.Errorf("invalid engine %q (expected %s|%s)", raw, EngineCLI, EngineONNX)
	}
}
