package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dsconsultants/ifcgeom/internal/wire"
)

const (
	defaultSource       = "release"
	defaultPollInterval = 100 * time.Millisecond
	defaultPollAttempts = 20
	defaultLogLevel     = "info"
)

// Environment variables that override file settings.
const (
	EnvExecutable = "IFCGEOM_EXECUTABLE"
	EnvSource     = "IFCGEOM_SOURCE"
	EnvLogLevel   = "IFCGEOM_LOG_LEVEL"
	EnvCacheDir   = "IFCGEOM_CACHE_DIR"

	// EnvOTELEndpoint is the standard OTLP variable; it beats [otel] endpoint.
	EnvOTELEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DirName is the per-user and per-project settings directory.
const DirName = ".ifcgeom"

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	Executable           string
	Source               string
	RepositoryRoot       string
	ReleaseDescriptorURL string
	CacheDir             string
	ExpectedVersion      string
	Deflection           float64
	ApplyLayerSets       bool
	SuppressPullErrors   bool
	PollInterval         time.Duration
	PollAttempts         int
	// FarewellTimeout of zero leaves the goodbye bounded by the poll budget.
	FarewellTimeout      time.Duration
	MaxFrameBytes        int64
	LogLevel             string
	OTELEndpoint         string
}

type fileConfig struct {
	Executable           *string     `toml:"executable"`
	Source               *string     `toml:"source"`
	RepositoryRoot       *string     `toml:"repository_root"`
	ReleaseDescriptorURL *string     `toml:"release_descriptor_url"`
	CacheDir             *string     `toml:"cache_dir"`
	ExpectedVersion      *string     `toml:"expected_version"`
	Deflection           *float64    `toml:"deflection"`
	ApplyLayerSets       *bool       `toml:"apply_layer_sets"`
	SuppressPullErrors   *bool       `toml:"suppress_pull_errors"`
	PollInterval         *string     `toml:"poll_interval"`
	PollAttempts         *int        `toml:"poll_attempts"`
	FarewellTimeout      *string     `toml:"farewell_timeout"`
	MaxFrameMB           *int        `toml:"max_frame_mb"`
	LogLevel             *string     `toml:"log_level"`
	OTEL                 *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.ifcgeom/config.toml, overlays a project-local
// .ifcgeom/config.toml and then the IFCGEOM_* environment variables.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	overlayFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Source:        defaultSource,
		PollInterval:  defaultPollInterval,
		PollAttempts:  defaultPollAttempts,
		MaxFrameBytes: wire.DefaultMaxPayloadBytes,
		LogLevel:      defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyLimitOverrides(cfg, decoded, path)
}

func overlayFromEnv(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv(EnvExecutable)); value != "" {
		cfg.Executable = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvSource)); value != "" {
		cfg.Source = normalizeKey(value)
	}
	if value := strings.TrimSpace(os.Getenv(EnvLogLevel)); value != "" {
		cfg.LogLevel = normalizeKey(value)
	}
	if value := strings.TrimSpace(os.Getenv(EnvCacheDir)); value != "" {
		cfg.CacheDir = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvOTELEndpoint)); value != "" {
		cfg.OTELEndpoint = value
	}
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Executable != nil {
		cfg.Executable = strings.TrimSpace(*decoded.Executable)
	}
	if decoded.Source != nil {
		cfg.Source = normalizeKey(*decoded.Source)
	}
	if decoded.RepositoryRoot != nil {
		cfg.RepositoryRoot = strings.TrimSpace(*decoded.RepositoryRoot)
	}
	if decoded.ReleaseDescriptorURL != nil {
		cfg.ReleaseDescriptorURL = strings.TrimSpace(*decoded.ReleaseDescriptorURL)
	}
	if decoded.CacheDir != nil {
		cfg.CacheDir = strings.TrimSpace(*decoded.CacheDir)
	}
	if decoded.ExpectedVersion != nil {
		cfg.ExpectedVersion = strings.TrimSpace(*decoded.ExpectedVersion)
	}
	if decoded.Deflection != nil {
		cfg.Deflection = *decoded.Deflection
	}
	if decoded.ApplyLayerSets != nil {
		cfg.ApplyLayerSets = *decoded.ApplyLayerSets
	}
	if decoded.SuppressPullErrors != nil {
		cfg.SuppressPullErrors = *decoded.SuppressPullErrors
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollInterval != nil {
		value, err := parseDuration(*decoded.PollInterval, "poll_interval", path)
		if err != nil {
			return err
		}
		cfg.PollInterval = value
	}
	if decoded.FarewellTimeout != nil {
		value, err := parseDuration(*decoded.FarewellTimeout, "farewell_timeout", path)
		if err != nil {
			return err
		}
		cfg.FarewellTimeout = value
	}
	return nil
}

func applyLimitOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollAttempts != nil {
		if *decoded.PollAttempts <= 0 {
			return fmt.Errorf("parse poll_attempts in %q: must be > 0", path)
		}
		cfg.PollAttempts = *decoded.PollAttempts
	}
	if decoded.MaxFrameMB != nil {
		if *decoded.MaxFrameMB <= 0 {
			return fmt.Errorf("parse max_frame_mb in %q: must be > 0", path)
		}
		cfg.MaxFrameBytes = int64(*decoded.MaxFrameMB) * 1024 * 1024
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

// Validate checks values that may have come from the environment.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Source {
	case "path", "repository", "release":
	default:
		return fmt.Errorf("source %q: want path, repository or release", c.Source)
	}
	if c.Source == "path" && c.Executable == "" {
		return errors.New("source \"path\" needs an executable")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	if c.Deflection < 0 {
		return fmt.Errorf("deflection %s: must not be negative", strconv.FormatFloat(c.Deflection, 'g', -1, 64))
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
