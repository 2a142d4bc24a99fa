package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/example/go-f5tts/internal/auth"
	"github.com/example/go-f5tts/internal/tts"
	"github.com/example/go-f5tts/internal/voice"
)

// Routes served by the handler.
const (
	RouteSynthesize = "/api/v1/tts/synthesize"
	RouteVoices     = "/api/v1/voices/list"
	RouteHealth     = "/health"
)

// AttachmentName is the download name of synthesized audio.
const AttachmentName = "synthesized_speech.wav"

// maxBodyBytes bounds the JSON request body.
const maxBodyBytes = 1 << 20

// Synthesizer renders text into a WAV file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// PipelineSource hands out the synthesizer of a voice profile. release must
// be called once the caller is done with it.
type PipelineSource interface {
	Acquire(ctx context.Context, profile string) (Synthesizer, func(), error)
}

// ProfileLister returns the available voice profiles.
type ProfileLister interface {
	ListProfiles() ([]string, error)
}

// TokenValidator checks bearer credentials.
type TokenValidator interface {
	Validate(raw string) (*auth.Token, error)
}

type registrySource struct {
	reg *tts.Registry
}

// FromRegistry adapts a pipeline registry to PipelineSource.
func FromRegistry(reg *tts.Registry) PipelineSource {
	return registrySource{reg: reg}
}

func (s registrySource) Acquire(ctx context.Context, profile string) (Synthesizer, func(), error) {
	svc, release, err := s.reg.Acquire(ctx, profile)
	if err != nil {
		return nil, nil, err
	}
	return svc, release, nil
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextChars   int
	workers        int
	requestTimeout time.Duration
	rateLimit      rate.Limit
	rateBurst      int
	corsOrigins    []string
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextChars:   1000,
		workers:        2,
		requestTimeout: 120 * time.Second,
		rateLimit:      rate.Inf,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextChars sets the maximum text length in characters.
func WithMaxTextChars(n int) Option {
	return func(o *options) { o.maxTextChars = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls. Zero
// disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithRateLimit limits synthesis to perSecond requests with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.rateLimit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.rateLimit, o.rateBurst = rate.Limit(perSecond), burst
	}
}

// WithCORSOrigins sets the allowed cross-origin callers. "*" allows any.
func WithCORSOrigins(origins ...string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	pipelines PipelineSource
	profiles  ProfileLister
	opts      options
	sem       chan struct{}
	limiter   *rate.Limiter
	log       *slog.Logger
}

// NewHandler returns an http.Handler serving synthesis, profile listing and
// health. Every route except health requires a valid bearer token.
func NewHandler(pipelines PipelineSource, profiles ProfileLister, validator TokenValidator, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		pipelines: pipelines,
		profiles:  profiles,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.rateLimit, opts.rateBurst),
		log:       opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+RouteHealth, h.handleHealth)
	mux.HandleFunc("GET "+RouteVoices, h.handleVoices)
	mux.HandleFunc("POST "+RouteSynthesize, h.handleSynthesize)

	var next http.Handler = mux
	next = requireToken(validator, h.log, next, RouteHealth)
	next = withCORS(opts.corsOrigins, next)
	next = withRequestID(next)
	return next
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	names, err := h.profiles.ListProfiles()
	if err != nil {
		h.log.ErrorContext(r.Context(), "list voice profiles failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list voice profiles")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": names})
}

type synthesizeRequest struct {
	Text         string `json:"text"`
	VoiceProfile string `json:"voice_profile"`
}

func (h *handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return
	}

	if n := utf8.RuneCountInString(req.Text); n > h.opts.maxTextChars {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum length of %d characters", h.opts.maxTextChars))
		return
	}

	if strings.TrimSpace(req.VoiceProfile) == "" {
		writeError(w, http.StatusBadRequest, "voice_profile field is required")
		return
	}

	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Acquire a worker slot; honour cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	logAttrs := []any{
		slog.String("request_id", requestID(r.Context())),
		slog.String("voice", req.VoiceProfile),
		slog.Int("text_len", utf8.RuneCountInString(req.Text)),
	}

	start := time.Now()

	synth, release, err := h.pipelines.Acquire(r.Context(), req.VoiceProfile)
	if err != nil {
		h.fail(w, r, err, append(logAttrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))...)
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	path, err := synth.Synthesize(ctx, req.Text)
	durationMS := time.Since(start).Milliseconds()
	logAttrs = append(logAttrs, slog.Int64("duration_ms", durationMS))
	if err != nil {
		h.fail(w, r, err, logAttrs...)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.fail(w, r, fmt.Errorf("open synthesized audio: %w", err), logAttrs...)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		h.fail(w, r, fmt.Errorf("stat synthesized audio: %w", err), logAttrs...)
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		append(logAttrs, slog.Int64("wav_bytes", fi.Size()))...)

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+AttachmentName+`"`)
	http.ServeContent(w, r, AttachmentName, fi.ModTime(), f)
}

// fail maps err to a status, logs it and writes the error body. Synthesis
// failures are reported generically; details stay in the log.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error, attrs ...any) {
	status, msg := classify(err)
	attrs = append(attrs,
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "synthesis request failed", attrs...)
	} else {
		h.log.WarnContext(r.Context(), "synthesis request rejected", attrs...)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, voice.ErrProfileNotFound):
		return http.StatusNotFound, "voice profile not found"
	case tts.KindOf(err) == tts.EmptyInputError:
		return http.StatusBadRequest, "text field is required"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "synthesis timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.Is(err, tts.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "service shutting down"
	case tts.KindOf(err).Init():
		return http.StatusServiceUnavailable, "voice pipeline unavailable"
	default:
		return http.StatusInternalServerError, "speech synthesis failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
