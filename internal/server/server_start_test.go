package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/example/go-f5tts/internal/config"
	"github.com/example/go-f5tts/internal/tts"
	"github.com/example/go-f5tts/internal/voice"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Paths.ModelDir = t.TempDir()
	cfg.Paths.VoiceProfilesDir = t.TempDir()
	cfg.Paths.CacheDir = t.TempDir()
	cfg.Auth.SecretKey = "lifecycle-secret"
	return cfg
}

func TestStart_LifecycleHealthAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()

	addr := cfg.Server.ListenAddr()

	for range 50 {
		if err = ProbeHTTP(addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never became ready: %v", err)
	}

	// Listing is token-gated on the live server too.
	resp, err := http.Get("http://" + addr + RouteVoices) //nolint:noctx
	if err != nil {
		t.Fatalf("GET voices: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("voices without token = %d; want 401", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5s of context cancel")
	}

	// The registry is closed with the server.
	if _, _, err := s.registry.Acquire(context.Background(), "alice"); !errors.Is(err, tts.ErrRegistryClosed) {
		t.Errorf("Acquire after shutdown = %v; want ErrRegistryClosed", err)
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil; want listen error")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SecretKey = ""

	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() = nil; want error for empty secret")
	}
}

func TestNew_ONNXEngineNeedsGraph(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.Engine = config.EngineONNX

	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() = nil; want error for missing onnx graph")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"profile not found", voice.ErrProfileNotFound, http.StatusNotFound},
		{"empty input", &tts.Error{Kind: tts.EmptyInputError}, http.StatusBadRequest},
		{"checkpoint", &tts.Error{Kind: tts.CheckpointLoadError}, http.StatusServiceUnavailable},
		{"reference", &tts.Error{Kind: tts.ReferenceLoadError}, http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %d; want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestListenAddrFormatting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "::1"
	cfg.Server.Port = 8081

	if got, want := cfg.Server.ListenAddr(), "[::1]:"+strconv.Itoa(8081); got != want {
		t.Errorf("ListenAddr() = %q; want %q", got, want)
	}
}
