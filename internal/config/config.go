// Package config loads service settings from defaults, an optional config
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultSecretKey is the placeholder signing secret. Running with it is
// allowed but logged as a warning.
const DefaultSecretKey = "your-secret-key-here"

const envPrefix = "F5TTS"

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Server   ServerConfig  `mapstructure:"server"`
	TTS      TTSConfig     `mapstructure:"tts"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelDir         string `mapstructure:"model_dir"`
	VoiceProfilesDir string `mapstructure:"voice_profiles_dir"`
	CheckpointFile   string `mapstructure:"checkpoint_file"`
	VocabFile        string `mapstructure:"vocab_file"`
	CacheDir         string `mapstructure:"cache_dir"`
}

type AuthConfig struct {
	SecretKey       string `mapstructure:"secret_key"`
	Algorithm       string `mapstructure:"algorithm"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// UsesDefaultSecret reports whether the placeholder secret is configured.
func (a AuthConfig) UsesDefaultSecret() bool { return a.SecretKey == DefaultSecretKey }

// TokenTTL returns the lifetime of issued tokens.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	Workers         int      `mapstructure:"workers"`
	RequestTimeout  int      `mapstructure:"request_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	MaxTextChars    int      `mapstructure:"max_text_chars"`
	RateLimit       float64  `mapstructure:"rate_limit"`
	RateBurst       int      `mapstructure:"rate_burst"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
}

// ListenAddr joins Host and Port.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type TTSConfig struct {
	Engine            string `mapstructure:"engine"`
	CLIPath           string `mapstructure:"cli_path"`
	CLIModel          string `mapstructure:"cli_model"`
	ONNXModel         string `mapstructure:"onnx_model"`
	Device            string `mapstructure:"device"`
	Vocoder           string `mapstructure:"vocoder"`
	MaxPipelines      int    `mapstructure:"max_pipelines"`
	InitTimeout       int    `mapstructure:"init_timeout"`
	CleanupOnShutdown bool   `mapstructure:"cleanup_on_shutdown"`
	HFToken           string `mapstructure:"hf_token"`
	Offline           bool   `mapstructure:"offline"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTAPIVersion  int    `mapstructure:"ort_api_version"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelDir:         "weights",
			VoiceProfilesDir: "voice_profiles",
			CheckpointFile:   "final_finetuned_model.safetensors",
			VocabFile:        "F5TTS_Base_vocab.txt",
			CacheDir:         "f5_tts_cache",
		},
		Auth: AuthConfig{
			SecretKey:       DefaultSecretKey,
			Algorithm:       "HS256",
			TokenTTLMinutes: 30,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8081,
			Workers:         2,
			RequestTimeout:  120,
			ShutdownTimeout: 30,
			MaxTextChars:    1000,
			RateLimit:       0,
			RateBurst:       4,
			CORSOrigins:     []string{"*"},
		},
		TTS: TTSConfig{
			Engine:            EngineCLI,
			CLIPath:           "f5-tts_infer-cli",
			CLIModel:          "F5TTS_Base",
			ONNXModel:         "f5tts.onnx",
			Device:            "auto",
			Vocoder:           "vocos",
			MaxPipelines:      1,
			InitTimeout:       600,
			CleanupOnShutdown: true,
		},
		Runtime: RuntimeConfig{
			ORTAPIVersion: 23,
		},
		LogLevel: "info",
	}
}

// flagName maps a config key to its command-line flag.
func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

func RegisterFlags(fs *pflag.FlagSet, d Config) {
	fs.String(flagName("paths.model_dir"), d.Paths.ModelDir, "Directory holding the checkpoint and vocabulary")
	fs.String(flagName("paths.voice_profiles_dir"), d.Paths.VoiceProfilesDir, "Root directory of voice profiles")
	fs.String(flagName("paths.checkpoint_file"), d.Paths.CheckpointFile, "Checkpoint file name inside the model directory")
	fs.String(flagName("paths.vocab_file"), d.Paths.VocabFile, "Vocabulary file name inside the model directory")
	fs.String(flagName("paths.cache_dir"), d.Paths.CacheDir, "Cache directory for vocoder files and preprocessed references")
	fs.String(flagName("auth.algorithm"), d.Auth.Algorithm, "Token signing algorithm (HS256|HS384|HS512)")
	fs.Int(flagName("auth.token_ttl_minutes"), d.Auth.TokenTTLMinutes, "Lifetime of issued tokens in minutes")
	fs.String(flagName("server.host"), d.Server.Host, "HTTP listen host")
	fs.Int(flagName("server.port"), d.Server.Port, "HTTP listen port")
	fs.Int(flagName("server.workers"), d.Server.Workers, "Max concurrent synthesis requests")
	fs.Int(flagName("server.request_timeout"), d.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.Int(flagName("server.shutdown_timeout"), d.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.Int(flagName("server.max_text_chars"), d.Server.MaxTextChars, "Max characters of text per request")
	fs.Float64(flagName("server.rate_limit"), d.Server.RateLimit, "Synthesis requests per second (0 disables)")
	fs.Int(flagName("server.rate_burst"), d.Server.RateBurst, "Burst size of the synthesis rate limiter")
	fs.StringSlice(flagName("server.cors_origins"), d.Server.CORSOrigins, "Allowed CORS origins")
	fs.String(flagName("tts.engine"), d.TTS.Engine, "Inference engine (cli|onnx)")
	fs.String(flagName("tts.cli_path"), d.TTS.CLIPath, "Path to the f5-tts inference command")
	fs.String(flagName("tts.cli_model"), d.TTS.CLIModel, "Model architecture passed to the inference command")
	fs.String(flagName("tts.onnx_model"), d.TTS.ONNXModel, "ONNX graph file name inside the model directory")
	fs.String(flagName("tts.device"), d.TTS.Device, "Compute device (auto|cuda|cpu)")
	fs.String(flagName("tts.vocoder"), d.TTS.Vocoder, "Vocoder name")
	fs.Int(flagName("tts.max_pipelines"), d.TTS.MaxPipelines, "Max voice profiles kept loaded")
	fs.Int(flagName("tts.init_timeout"), d.TTS.InitTimeout, "Pipeline initialization timeout in seconds")
	fs.Bool(flagName("tts.cleanup_on_shutdown"), d.TTS.CleanupOnShutdown, "Remove generated audio on shutdown")
	fs.Bool(flagName("tts.offline"), d.TTS.Offline, "Never download vocoder files")
	fs.String(flagName("runtime.ort_library_path"), d.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.Int(flagName("runtime.ort_api_version"), d.Runtime.ORTAPIVersion, "ONNX Runtime C API version")
	fs.String(flagName("log_level"), d.LogLevel, "Log level (debug|info|warn|error)")
}

// legacyEnv lists unprefixed environment variables still honoured.
var legacyEnv = map[string][]string{
	"paths.model_dir":          {"MODEL_DIR"},
	"paths.voice_profiles_dir": {"VOICE_PROFILES_DIR"},
	"auth.secret_key":          {"SECRET_KEY"},
	"server.port":              {"PORT"},
	"runtime.ort_library_path": {"ORT_LIBRARY_PATH"},
	"tts.hf_token":             {"HF_TOKEN"},
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, key := range v.AllKeys() {
			if f := fs.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("f5tts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	engine, err := NormalizeEngine(cfg.TTS.Engine)
	if err != nil {
		return Config{}, err
	}
	cfg.TTS.Engine = engine

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("paths.voice_profiles_dir", c.Paths.VoiceProfilesDir)
	v.SetDefault("paths.checkpoint_file", c.Paths.CheckpointFile)
	v.SetDefault("paths.vocab_file", c.Paths.VocabFile)
	v.SetDefault("paths.cache_dir", c.Paths.CacheDir)
	v.SetDefault("auth.secret_key", c.Auth.SecretKey)
	v.SetDefault("auth.algorithm", c.Auth.Algorithm)
	v.SetDefault("auth.token_ttl_minutes", c.Auth.TokenTTLMinutes)
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_text_chars", c.Server.MaxTextChars)
	v.SetDefault("server.rate_limit", c.Server.RateLimit)
	v.SetDefault("server.rate_burst", c.Server.RateBurst)
	v.SetDefault("server.cors_origins", c.Server.CORSOrigins)
	v.SetDefault("tts.engine", c.TTS.Engine)
	v.SetDefault("tts.cli_path", c.TTS.CLIPath)
	v.SetDefault("tts.cli_model", c.TTS.CLIModel)
	v.SetDefault("tts.onnx_model", c.TTS.ONNXModel)
	v.SetDefault("tts.device", c.TTS.Device)
	v.SetDefault("tts.vocoder", c.TTS.Vocoder)
	v.SetDefault("tts.max_pipelines", c.TTS.MaxPipelines)
	v.SetDefault("tts.init_timeout", c.TTS.InitTimeout)
	v.SetDefault("tts.cleanup_on_shutdown", c.TTS.CleanupOnShutdown)
	v.SetDefault("tts.hf_token", c.TTS.HFToken)
	v.SetDefault("tts.offline", c.TTS.Offline)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("log_level", c.LogLevel)
}

// Validate reports every setting the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Paths.ModelDir == "" {
		errs = append(errs, errors.New("paths.model_dir is required"))
	}
	if c.Paths.VoiceProfilesDir == "" {
		errs = append(errs, errors.New("paths.voice_profiles_dir is required"))
	}
	if c.Auth.SecretKey == "" {
		errs = append(errs, errors.New("auth.secret_key is required"))
	}
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("auth.algorithm %q not supported (want HS256|HS384|HS512)", c.Auth.Algorithm))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxTextChars < 1 {
		errs = append(errs, fmt.Errorf("server.max_text_chars must be positive, got %d", c.Server.MaxTextChars))
	}
	if c.Server.RequestTimeout < 1 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive, got %d", c.Server.RequestTimeout))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %g", c.Server.RateLimit))
	}
	if _, err := NormalizeEngine(c.TTS.Engine); err != nil {
		errs = append(errs, err)
	}
	if c.TTS.MaxPipelines < 1 {
		errs = append(errs, fmt.Errorf("tts.max_pipelines must be at least 1, got %d", c.TTS.MaxPipelines))
	}

	return errors.Join(errs...)
}
