package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/warden/internal/watchdog"
)

// Config is the daemon configuration file.
type Config struct {
	Addr string `yaml:"addr" validate:"required"`

	// DataDir holds the BadgerDB database. Empty keeps state in memory.
	DataDir string `yaml:"data_dir"`

	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Health      HealthConfig      `yaml:"health"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Overuse     OveruseConfig     `yaml:"overuse"`
	Vhal        VhalConfig        `yaml:"vhal"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout"`
}

type HealthConfig struct {
	// Tiers overrides the timing of individual tiers, keyed by tier name.
	Tiers               map[string]watchdog.TierConfig `yaml:"tiers" validate:"dive,keys,oneof=critical moderate normal,endkeys"`
	ProbeConcurrency    int                            `yaml:"probe_concurrency" validate:"gte=1"`
	ProcessPollInterval time.Duration                  `yaml:"process_poll_interval" validate:"gt=0"`
}

type EnforcementConfig struct {
	DumpTimeout time.Duration `yaml:"dump_timeout" validate:"gt=0"`
	DumpEvery   time.Duration `yaml:"dump_every" validate:"gt=0"`
	DumpBurst   int           `yaml:"dump_burst" validate:"gte=1"`
	// DryRun logs terminations instead of killing processes.
	DryRun bool `yaml:"dry_run"`
}

type OveruseConfig struct {
	// BuildDir holds the configurations shipped with the system image.
	BuildDir string `yaml:"build_dir"`
	// DropInDir is watched for configuration updates.
	DropInDir string `yaml:"drop_in_dir"`
	// MonitorDisk enables the system-wide disk write check.
	MonitorDisk    bool          `yaml:"monitor_disk"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	WarnPercent    float64       `yaml:"warn_percent" validate:"gt=0,lte=100"`
	BufferSize     int           `yaml:"buffer_size" validate:"gte=1"`
	DebounceWindow time.Duration `yaml:"debounce" validate:"gt=0"`
}

type VhalConfig struct {
	// URL of a remote property server. Empty serves properties in process.
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// HeartbeatInterval enables the vehicle HAL heartbeat check. Zero disables it.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses" validate:"gte=1"`
}

func defaultConfig() Config {
	return Config{
		Addr:    ":8080",
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{Exporter: "none"},
		Health: HealthConfig{
			ProbeConcurrency:    16,
			ProcessPollInterval: time.Second,
		},
		Enforcement: EnforcementConfig{
			DumpTimeout: 30 * time.Second,
			DumpEvery:   time.Second,
			DumpBurst:   5,
		},
		Overuse: OveruseConfig{
			PollInterval:   time.Second,
			WarnPercent:    80,
			BufferSize:     10,
			DebounceWindow: 200 * time.Millisecond,
		},
		Vhal: VhalConfig{Timeout: 10 * time.Second, HeartbeatMisses: 2},
	}
}

// loadConfig reads path over the defaults, applies environment overrides
// and validates the result. An empty path uses the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Addr = getenv("WARDEN_ADDR", cfg.Addr)
	cfg.DataDir = getenv("WARDEN_DATA_DIR", cfg.DataDir)
	cfg.Log.Level = getenv("WARDEN_LOG_LEVEL", cfg.Log.Level)
	cfg.Overuse.DropInDir = getenv("WARDEN_OVERUSE_DIR", cfg.Overuse.DropInDir)
	cfg.Vhal.URL = getenv("WARDEN_VHAL_URL", cfg.Vhal.URL)
	if v, ok := os.LookupEnv("WARDEN_DRY_RUN"); ok {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("WARDEN_DRY_RUN: %w", err)
		}
		cfg.Enforcement.DryRun = dry
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return cfg, fmt.Errorf("invalid config: %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Health.tierConfigs(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// tierConfigs merges the configured tier overrides into the defaults.
func (h HealthConfig) tierConfigs() (map[watchdog.Tier]watchdog.TierConfig, error) {
	tiers := watchdog.DefaultTierConfigs()
	for name, tc := range h.Tiers {
		tier, err := watchdog.ParseTier(name)
		if err != nil {
			return nil, err
		}
		if tc.Period <= 0 || tc.MissLimit < 1 {
			return nil, fmt.Errorf("tier %s: period and miss limit must be positive: %w", name, watchdog.ErrInvalidArgument)
		}
		tiers[tier] = tc
	}
	return tiers, nil
}

func (l LogConfig) logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(l.Level))
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
