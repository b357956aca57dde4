package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Worker    WorkerConfig    `mapstructure:"worker" validate:"required"`
	Retention RetentionConfig `mapstructure:"retention" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage" validate:"required"`
	Builder   BuilderConfig   `mapstructure:"builder"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// URL is optional; when empty the server runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// WorkerConfig controls the build pool.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency" validate:"required,gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`
}

// RetentionConfig controls how long finished builds and their artifacts
// are kept before the sweeper removes them.
type RetentionConfig struct {
	Window        time.Duration `mapstructure:"window" validate:"required,gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`
}

// StorageConfig names the directories the service owns on disk: where
// finished artifacts are written and where uploaded source bundles are
// staged. The sweeper garbage-collects both.
type StorageConfig struct {
	ArtifactDir string `mapstructure:"artifact_dir" validate:"required"`
	StagingDir  string `mapstructure:"staging_dir" validate:"required"`
}

// BuilderConfig carries per-kind toolchain command templates. Keys are
// build kinds (web, android, desktop); values are argv templates where
// {input}, {output} and {task_id} are expanded before execution.
type BuilderConfig struct {
	Commands map[string][]string `mapstructure:"commands"`
}
