package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over values from the config file. Returns a populated
// Config struct or an error if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything can come from the
		// environment. Any other read error is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind the keys we care about so AutomaticEnv picks them
	// up even when they are absent from the config file.
	bindEnvs := []struct {
		key    string
		envVar string
	}{
		{"server.port", "FORGE_SERVER_PORT"},
		{"server.log_level", "FORGE_SERVER_LOG_LEVEL"},
		{"database.url", "FORGE_DATABASE_URL"},
		{"worker.concurrency", "FORGE_WORKER_CONCURRENCY"},
		{"worker.heartbeat_interval", "FORGE_WORKER_HEARTBEAT_INTERVAL"},
		{"worker.poll_interval", "FORGE_WORKER_POLL_INTERVAL"},
		{"retention.window", "FORGE_RETENTION_WINDOW"},
		{"retention.sweep_interval", "FORGE_RETENTION_SWEEP_INTERVAL"},
		{"storage.artifact_dir", "FORGE_STORAGE_ARTIFACT_DIR"},
		{"storage.staging_dir", "FORGE_STORAGE_STAGING_DIR"},
	}
	for _, env := range bindEnvs {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", env.envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("retention.window", "168h")
	v.SetDefault("retention.sweep_interval", "10m")
	v.SetDefault("storage.artifact_dir", "artifacts")
	v.SetDefault("storage.staging_dir", "uploads")
}
