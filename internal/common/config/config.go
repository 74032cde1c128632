// Package config provides configuration management for devbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devbridge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Port conflict policies.
const (
	PortConflictPrompt    = "prompt"
	PortConflictForce     = "force"
	PortConflictAlternate = "alternate"
	PortConflictAbort     = "abort"
)

// Workspace cleanup policies.
const (
	CleanupArchive = "archive"
	CleanupDestroy = "destroy"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
	AutoStart       bool   `mapstructure:"autoStart"`

	// PortConflict selects what happens when the configured port is taken:
	// prompt, force, alternate or abort.
	PortConflict string `mapstructure:"portConflict"`

	// AlternatePortSpan is how many ports above Port are scanned for an alternate.
	AlternatePortSpan int `mapstructure:"alternatePortSpan"`
}

// JobsConfig holds job admission and execution configuration.
type JobsConfig struct {
	MaxConcurrent     int `mapstructure:"maxConcurrent"`
	Timeout           int `mapstructure:"timeout"`           // in seconds
	CancelGracePeriod int `mapstructure:"cancelGracePeriod"` // in seconds
	ProgressInterval  int `mapstructure:"progressInterval"`  // in seconds
	QueueSize         int `mapstructure:"queueSize"`         // 0 = unbounded
}

// WorkspaceConfig holds workspace layout configuration.
type WorkspaceConfig struct {
	Root    string `mapstructure:"root"`    // supports ~ expansion
	Cleanup string `mapstructure:"cleanup"` // archive or destroy
}

// MetadataConfig holds application metadata storage configuration.
type MetadataConfig struct {
	Dir string `mapstructure:"dir"`
}

// AgentConfig holds configuration for launching the headless coding agent.
type AgentConfig struct {
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Env            map[string]string `mapstructure:"env"`
	CommandTimeout int               `mapstructure:"commandTimeout"` // in seconds
	PipelineFile   string            `mapstructure:"pipelineFile"`   // optional YAML pipeline
}

// DatabaseConfig holds job history storage configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Addr returns host:port for the configured listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// TimeoutDuration returns the per-job timeout as a time.Duration.
func (j *JobsConfig) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}

// CancelGraceDuration returns the cancel grace period as a time.Duration.
func (j *JobsConfig) CancelGraceDuration() time.Duration {
	return time.Duration(j.CancelGracePeriod) * time.Second
}

// ProgressIntervalDuration returns the periodic progress push interval.
func (j *JobsConfig) ProgressIntervalDuration() time.Duration {
	return time.Duration(j.ProgressInterval) * time.Second
}

// CommandTimeoutDuration returns the per-command agent timeout.
func (a *AgentConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(a.CommandTimeout) * time.Second
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns "json" under a log collector and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only, the frontend runs on the same machine
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 10)
	v.SetDefault("server.autoStart", true)
	v.SetDefault("server.portConflict", PortConflictPrompt)
	v.SetDefault("server.alternatePortSpan", 10)

	// Job defaults
	v.SetDefault("jobs.maxConcurrent", 2)
	v.SetDefault("jobs.timeout", 1800)
	v.SetDefault("jobs.cancelGracePeriod", 10)
	v.SetDefault("jobs.progressInterval", 5)
	v.SetDefault("jobs.queueSize", 0)

	// Workspace defaults
	v.SetDefault("workspace.root", "~/.devbridge/workspaces")
	v.SetDefault("workspace.cleanup", CleanupArchive)

	// Metadata defaults
	v.SetDefault("metadata.dir", "~/.devbridge/apps")

	// Agent defaults
	v.SetDefault("agent.command", "kiro-agent")
	v.SetDefault("agent.args", []string{"--headless", "--port", "$PORT"})
	v.SetDefault("agent.env", map[string]string{})
	v.SetDefault("agent.commandTimeout", 600)
	v.SetDefault("agent.pipelineFile", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.devbridge/devbridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// NATS defaults: empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devbridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the prefix DEVBRIDGE_; config.yaml is searched in
// configPath, the working directory and ~/.devbridge.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("server.portConflict", "DEVBRIDGE_SERVER_PORT_CONFLICT")
	_ = v.BindEnv("server.autoStart", "DEVBRIDGE_SERVER_AUTO_START")
	_ = v.BindEnv("jobs.maxConcurrent", "DEVBRIDGE_JOBS_MAX_CONCURRENT")
	_ = v.BindEnv("agent.pipelineFile", "DEVBRIDGE_AGENT_PIPELINE_FILE")
	_ = v.BindEnv("database.dsn", "DEVBRIDGE_DATABASE_DSN", "DATABASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".devbridge"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks ranges and enumerations and expands ~ in paths.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdownTimeout must be positive")
	}
	switch cfg.Server.PortConflict {
	case PortConflictPrompt, PortConflictForce, PortConflictAlternate, PortConflictAbort:
	default:
		errs = append(errs, "server.portConflict must be one of: prompt, force, alternate, abort")
	}
	if cfg.Server.AlternatePortSpan < 0 {
		errs = append(errs, "server.alternatePortSpan must not be negative")
	}

	if cfg.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, "jobs.maxConcurrent must be positive")
	}
	if cfg.Jobs.Timeout <= 0 {
		errs = append(errs, "jobs.timeout must be positive")
	}
	if cfg.Jobs.CancelGracePeriod < 0 {
		errs = append(errs, "jobs.cancelGracePeriod must not be negative")
	}
	if cfg.Jobs.ProgressInterval <= 0 {
		errs = append(errs, "jobs.progressInterval must be positive")
	}
	if cfg.Jobs.QueueSize < 0 {
		errs = append(errs, "jobs.queueSize must not be negative")
	}

	if cfg.Workspace.Cleanup != CleanupArchive && cfg.Workspace.Cleanup != CleanupDestroy {
		errs = append(errs, "workspace.cleanup must be one of: archive, destroy")
	}

	if strings.TrimSpace(cfg.Agent.Command) == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.CommandTimeout <= 0 {
		errs = append(errs, "agent.commandTimeout must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for _, p := range []*string{&cfg.Workspace.Root, &cfg.Metadata.Dir, &cfg.Database.Path, &cfg.Agent.PipelineFile} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			errs = append(errs, fmt.Sprintf("cannot expand %q: %v", *p, err))
			continue
		}
		*p = expanded
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
