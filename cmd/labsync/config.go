package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

const (
	connectivityProbe    = "probe"
	connectivityPresence = "presence"
	connectivityAlways   = "always"
	connectivityOffline  = "offline"
)

// Config is the client configuration. Values come from defaults, then the YAML file,
// then LABSYNC_* environment variables.
type Config struct {
	Engine          labsync.Config `yaml:",inline"`
	Storage         string         `yaml:"storage"`
	RelationalURL   string         `yaml:"relational_url"`
	RelationalToken string         `yaml:"relational_token"`
	DocumentDSN     string         `yaml:"document_dsn"`
	SessionFile     string         `yaml:"session_file"`
	// Connectivity selects the signal source: probe, presence, always or offline.
	Connectivity  string        `yaml:"connectivity"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

func defaultConfig() Config {
	return Config{
		Engine: labsync.Config{
			Collection:        labsync.DefaultCollection,
			TickInterval:      labsync.DefaultTickInterval,
			TickJitter:        labsync.DefaultTickJitter,
			MaxAttempts:       labsync.DefaultMaxAttempts,
			PerBackendTimeout: labsync.DefaultPerBackendTimeout,
			Concurrency:       labsync.DefaultConcurrency,
		},
		Storage:     "sqlite://.labsync/labsync.db",
		DocumentDSN: "memory://",
		SessionFile: ".labsync/session.json",
	}
}

// loadConfig reads path when it is set. A missing file at the default location is fine;
// a missing file that was asked for explicitly is an error.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := decodeConfig(f, &cfg); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Engine.Collection = envOrDefault("LABSYNC_COLLECTION", cfg.Engine.Collection)
	cfg.Engine.TickInterval = durationEnv("LABSYNC_TICK_INTERVAL", cfg.Engine.TickInterval)
	cfg.Engine.TickJitter = floatEnv("LABSYNC_TICK_JITTER", cfg.Engine.TickJitter)
	cfg.Engine.MaxAttempts = intEnv("LABSYNC_MAX_ATTEMPTS", cfg.Engine.MaxAttempts)
	cfg.Engine.PerBackendTimeout = durationEnv("LABSYNC_BACKEND_TIMEOUT", cfg.Engine.PerBackendTimeout)
	cfg.Engine.Concurrency = intEnv("LABSYNC_CONCURRENCY", cfg.Engine.Concurrency)
	cfg.Storage = envOrDefault("LABSYNC_STORAGE", cfg.Storage)
	cfg.RelationalURL = envOrDefault("LABSYNC_RELATIONAL_URL", cfg.RelationalURL)
	cfg.RelationalToken = envOrDefault("LABSYNC_RELATIONAL_TOKEN", cfg.RelationalToken)
	cfg.DocumentDSN = envOrDefault("LABSYNC_DOCUMENT_DSN", cfg.DocumentDSN)
	cfg.SessionFile = envOrDefault("LABSYNC_SESSION_FILE", cfg.SessionFile)
	cfg.Connectivity = envOrDefault("LABSYNC_CONNECTIVITY", cfg.Connectivity)
	cfg.ProbeInterval = durationEnv("LABSYNC_PROBE_INTERVAL", cfg.ProbeInterval)
}

func (c *Config) validate() error {
	c.Connectivity = strings.ToLower(strings.TrimSpace(c.Connectivity))
	if c.Connectivity == "" {
		c.Connectivity = connectivityAlways
		if c.RelationalURL != "" {
			c.Connectivity = connectivityProbe
		}
	}
	switch c.Connectivity {
	case connectivityProbe, connectivityPresence:
		if c.RelationalURL == "" {
			return fmt.Errorf("connectivity %q needs relational_url", c.Connectivity)
		}
	case connectivityAlways, connectivityOffline:
	default:
		return fmt.Errorf("unsupported connectivity %q", c.Connectivity)
	}
	if strings.TrimSpace(c.Storage) == "" {
		return errors.New("storage dsn is required")
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", level)
	}
	switch format {
	case "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q: must be json or console", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env value")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env value")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float env value")
		return fallback
	}
	return value
}
