// Package config loads runtime settings and automation definitions.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the relay binary.
type Config struct {
	DatabasePath    string
	HTTPAddr        string
	DefinitionsPath string
	LogLevel        string
	LogFormat       string
	Phases          []string
	Engine          EngineConfig
}

// EngineConfig holds the engine tunables.
type EngineConfig struct {
	InitialPhase       string
	DedupWindow        time.Duration
	MaxWait            time.Duration
	DeliveryTimeout    time.Duration
	BatchInterval      time.Duration
	EnrollPresenceOnly bool
	DueSweepInterval   time.Duration
	Workers            int
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		DatabasePath: "relay.db",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		Phases:       []string{"intake", "interview", "onboarding", "active"},
		Engine: EngineConfig{
			InitialPhase:       "intake",
			DedupWindow:        120 * time.Second,
			MaxWait:            5 * time.Second,
			DeliveryTimeout:    15 * time.Second,
			BatchInterval:      250 * time.Millisecond,
			EnrollPresenceOnly: true,
			DueSweepInterval:   time.Minute,
			Workers:            2,
		},
	}
}

// Load reads the YAML file at path, if any, applies RELAY_* environment
// overrides and validates the result. An empty path searches for relay.yaml
// in the working directory; a missing file there is not an error.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.path", def.DatabasePath)
	v.SetDefault("http.addr", def.HTTPAddr)
	v.SetDefault("definitions.path", def.DefinitionsPath)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)
	v.SetDefault("pipeline.phases", def.Phases)
	v.SetDefault("engine.initial_phase", def.Engine.InitialPhase)
	v.SetDefault("engine.dedup_window", def.Engine.DedupWindow)
	v.SetDefault("engine.max_wait", def.Engine.MaxWait)
	v.SetDefault("engine.delivery_timeout", def.Engine.DeliveryTimeout)
	v.SetDefault("engine.batch_interval", def.Engine.BatchInterval)
	v.SetDefault("engine.enroll_presence_only", def.Engine.EnrollPresenceOnly)
	v.SetDefault("engine.due_sweep_interval", def.Engine.DueSweepInterval)
	v.SetDefault("engine.workers", def.Engine.Workers)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		DatabasePath:    v.GetString("database.path"),
		HTTPAddr:        v.GetString("http.addr"),
		DefinitionsPath: v.GetString("definitions.path"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		Phases:          v.GetStringSlice("pipeline.phases"),
		Engine: EngineConfig{
			InitialPhase:       v.GetString("engine.initial_phase"),
			DedupWindow:        v.GetDuration("engine.dedup_window"),
			MaxWait:            v.GetDuration("engine.max_wait"),
			DeliveryTimeout:    v.GetDuration("engine.delivery_timeout"),
			BatchInterval:      v.GetDuration("engine.batch_interval"),
			EnrollPresenceOnly: v.GetBool("engine.enroll_presence_only"),
			DueSweepInterval:   v.GetDuration("engine.due_sweep_interval"),
			Workers:            v.GetInt("engine.workers"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Engine.InitialPhase == "" {
		errs = append(errs, errors.New("engine.initial_phase is required"))
	}
	if c.Engine.DedupWindow < 0 {
		errs = append(errs, errors.New("engine.dedup_window must not be negative"))
	}
	if c.Engine.MaxWait <= 0 {
		errs = append(errs, errors.New("engine.max_wait must be positive"))
	}
	if c.Engine.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("engine.delivery_timeout must be positive"))
	}
	if c.Engine.BatchInterval < 0 {
		errs = append(errs, errors.New("engine.batch_interval must not be negative"))
	}
	if c.Engine.DueSweepInterval <= 0 {
		errs = append(errs, errors.New("engine.due_sweep_interval must be positive"))
	}
	if c.Engine.Workers < 0 {
		errs = append(errs, errors.New("engine.workers must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}
