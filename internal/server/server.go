// Package server exposes synthesis pipelines over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-f5tts/internal/auth"
	"github.com/example/go-f5tts/internal/config"
	"github.com/example/go-f5tts/internal/engine"
	"github.com/example/go-f5tts/internal/model"
	"github.com/example/go-f5tts/internal/tts"
	"github.com/example/go-f5tts/internal/voice"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Server wires the HTTP handler into a net/http.Server with graceful
// shutdown and owns the pipeline registry behind it.
type Server struct {
	cfg             config.Config
	log             *slog.Logger
	engine          engine.Engine
	registry        *tts.Registry
	handler         http.Handler
	shutdownTimeout time.Duration
}

// New validates cfg and builds the engine, the pipeline registry and the
// handler. Pipelines are built lazily on the first request per profile.
func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	validator, err := auth.NewValidator(cfg.Auth.SecretKey, cfg.Auth.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}

	eng, err := newEngine(cfg, log)
	if err != nil {
		return nil, err
	}

	repo := voice.NewRepository(cfg.Paths.VoiceProfilesDir, log)
	loader := tts.HubVocoderLoader(model.VocoderOptions{
		CacheDir: cfg.Paths.CacheDir,
		HFToken:  cfg.TTS.HFToken,
		Offline:  cfg.TTS.Offline,
	})

	factory := func(ctx context.Context, profile string) (*tts.Service, error) {
		return tts.NewService(ctx, tts.Options{
			ModelDir:       cfg.Paths.ModelDir,
			CheckpointFile: cfg.Paths.CheckpointFile,
			VocabFile:      cfg.Paths.VocabFile,
			CacheDir:       cfg.Paths.CacheDir,
			Profile:        profile,
			Repository:     repo,
			Device:         cfg.TTS.Device,
			Vocoder:        cfg.TTS.Vocoder,
			VocoderLoader:  loader,
			Engine:         eng,
			Logger:         log,
		})
	}

	registry := tts.NewRegistry(factory, tts.RegistryOptions{
		Capacity:    cfg.TTS.MaxPipelines,
		InitTimeout: time.Duration(cfg.TTS.InitTimeout) * time.Second,
		Cleanup:     cfg.TTS.CleanupOnShutdown,
		Logger:      log,
	})

	h := NewHandler(FromRegistry(registry), repo, validator,
		WithWorkers(cfg.Server.Workers),
		WithMaxTextChars(cfg.Server.MaxTextChars),
		WithRequestTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		WithCORSOrigins(cfg.Server.CORSOrigins...),
		WithLogger(log),
	)

	if cfg.Auth.UsesDefaultSecret() {
		log.Warn("using the default signing secret; set F5TTS_AUTH_SECRET_KEY or SECRET_KEY")
	}

	return &Server{
		cfg:             cfg,
		log:             log,
		engine:          eng,
		registry:        registry,
		handler:         h,
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}, nil
}

func newEngine(cfg config.Config, log *slog.Logger) (engine.Engine, error) {
	switch cfg.TTS.Engine {
	case config.EngineCLI:
		return engine.NewCLI(engine.CLIOptions{
			Path:       cfg.TTS.CLIPath,
			Model:      cfg.TTS.CLIModel,
			ScratchDir: filepath.Join(cfg.Paths.CacheDir, "scratch"),
			Logger:     log,
		}), nil
	case config.EngineONNX:
		eng, err := engine.NewONNX(engine.ONNXOptions{
			ModelPath:   filepath.Join(cfg.Paths.ModelDir, cfg.TTS.ONNXModel),
			LibraryPath: cfg.Runtime.ORTLibraryPath,
			APIVersion:  uint32(cfg.Runtime.ORTAPIVersion),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize onnx engine: %w", err)
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unsupported engine %q", cfg.TTS.Engine)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// closes the pipeline registry and the engine.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info("listening",
		slog.String("addr", httpServer.Addr),
		slog.String("engine", s.cfg.TTS.Engine),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("http shutdown: %w", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http listen: %w", err)
		}
	}

	return errors.Join(serveErr, s.Close())
}

// Close releases the pipelines and the engine. Start calls it on exit.
func (s *Server) Close() error {
	return errors.Join(s.registry.Close(), s.engine.Close())
}

// ProbeHTTP checks that a server answers /health at addr.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + RouteHealth) //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
