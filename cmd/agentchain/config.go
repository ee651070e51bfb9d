package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/scheduler"
)

const envPrefix = "AGENTCHAIN"

// Config holds all agentchain server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Store struct {
		Driver string `mapstructure:"driver"` // libsql | postgres
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Log struct {
		Format string `mapstructure:"format"`
		Level  string `mapstructure:"level"`
	} `mapstructure:"log"`
	Engine struct {
		StepTimeout time.Duration `mapstructure:"step_timeout"`
	} `mapstructure:"engine"`
	Generation  generation.Config `mapstructure:"generation"`
	Maintenance struct {
		VacuumSchedule string `mapstructure:"vacuum_schedule"`
	} `mapstructure:"maintenance"`
	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
}

func agentchainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentchain"
	}
	return filepath.Join(home, ".agentchain")
}

// providerKeyEnv lists the conventional key variables read when the
// prefixed variable is unset.
var providerKeyEnv = map[string]string{
	generation.ProviderOpenAI:    "OPENAI_API_KEY",
	generation.ProviderAnthropic: "ANTHROPIC_API_KEY",
	generation.ProviderGLM:       "GLM_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", filepath.Join(agentchainDir(), "agentchain.db"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("engine.step_timeout", generation.DefaultTimeout)
	v.SetDefault("maintenance.vacuum_schedule", scheduler.DefaultVacuumSchedule)
	v.SetDefault("tracing.enabled", false)

	gen := generation.DefaultConfig()
	v.SetDefault("generation.default", gen.Default)
	v.SetDefault("generation.breaker.failure_threshold", gen.Breaker.FailureThreshold)
	v.SetDefault("generation.breaker.cooldown", gen.Breaker.Cooldown)
	for name, pc := range gen.Providers {
		key := "generation.providers." + name
		v.SetDefault(key+".api_key", "")
		v.SetDefault(key+".model", pc.Model)
		v.SetDefault(key+".base_url", pc.BaseURL)
		v.SetDefault(key+".timeout", pc.Timeout)
		v.SetDefault(key+".max_retries", pc.MaxRetries)
	}
}

// newViper builds a viper instance with defaults and env bindings. path,
// when non-empty, names an explicit config file.
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(agentchainDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for name, fallback := range providerKeyEnv {
		key := "generation.providers." + name + ".api_key"
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), fallback)
	}
	return v
}

// loadConfig layers defaults, the config file and the environment.
func loadConfig(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "libsql":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the libsql driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want libsql or postgres)", c.Store.Driver)
	}
	if _, ok := c.Generation.Providers[strings.ToLower(c.Generation.Default)]; !ok {
		return fmt.Errorf("default provider %q is not configured", c.Generation.Default)
	}
	return nil
}
