package model

import (
	"fmt"
	"os"
	"strings"
)

// Device is the compute target the model and engine run on.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// cudaAvailable is replaced in tests.
var cudaAvailable = probeCUDA

// SelectDevice resolves a configured device preference. "auto" (or empty)
// picks CUDA when an NVIDIA device is visible, otherwise CPU.
func SelectDevice(pref string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "", "auto":
		if cudaAvailable() {
			return DeviceCUDA, nil
		}
		return DeviceCPU, nil
	case "cuda", "gpu":
		if !cudaAvailable() {
			return "", fmt.Errorf("device %q requested but no CUDA device is visible", pref)
		}
		return DeviceCUDA, nil
	case "cpu":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto|cuda|cpu)", pref)
	}
}

func probeCUDA() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return false
		}
	}
	_, err := os.Stat("/dev/nvidiactl")
	return err == nil
}
