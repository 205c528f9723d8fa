// Package config provides controller configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds controller configuration.
type Config struct {
	// Link to the low-level board.
	LinkAddr        string        `envconfig:"LINK_ADDR" default:"127.0.0.1:7070"`
	LinkDialTimeout time.Duration `envconfig:"LINK_DIAL_TIMEOUT" default:"2s"`
	LinkRetryWait   time.Duration `envconfig:"LINK_RETRY_WAIT" default:"1s"`

	// COMMS: connect to standalone NATS at COMMSURL. Empty disables the control surface and events.
	COMMSURL       string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName      string        `envconfig:"SERVICE_NAME" default:"robot-controller"`
	ControlSubject string        `envconfig:"CONTROL_SUBJECT" default:"robot.control.v1"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`

	// Database. Empty disables the incident journal for serve.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Robot profile (empty = fallback chain)
	ProfileFile string `envconfig:"PROFILE_FILE"`

	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Logging
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"20"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"7"`

	// Startup handshake and lifecycle
	PingTimeout       time.Duration `envconfig:"PING_TIMEOUT" default:"500ms"`
	CheckLatency      bool          `envconfig:"CHECK_LATENCY" default:"false"`
	StatusInterval    time.Duration `envconfig:"STATUS_INTERVAL" default:"500ms"`
	TelemetryCapacity int           `envconfig:"TELEMETRY_CAPACITY" default:"200"`
	ShutdownFlushWait time.Duration `envconfig:"SHUTDOWN_FLUSH_WAIT" default:"200ms"`
	TaskJoinTimeout   time.Duration `envconfig:"TASK_JOIN_TIMEOUT" default:"3s"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the controller.
func (c *Config) ValidateForServe() error {
	var errs []error
	if c.LinkAddr == "" {
		errs = append(errs, fmt.Errorf("%s - LINK_ADDR is required for serve", logPrefix))
	}
	if c.LinkDialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s - LINK_DIAL_TIMEOUT must be positive", logPrefix))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s - PING_TIMEOUT must be positive", logPrefix))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s - STATUS_INTERVAL must be positive", logPrefix))
	}
	if c.TelemetryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%s - TELEMETRY_CAPACITY must be positive", logPrefix))
	}
	if c.TaskJoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s - TASK_JOIN_TIMEOUT must be positive", logPrefix))
	}
	if c.COMMSURL != "" && c.ControlSubject == "" {
		errs = append(errs, fmt.Errorf("%s - CONTROL_SUBJECT is required when COMMS_URL is set", logPrefix))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, incidents).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// SlogLevel returns LOG_LEVEL as an slog level name.
func (c *Config) SlogLevel() (string, error) {
	switch l := strings.ToLower(c.LogLevel); l {
	case "debug", "info", "warn", "error":
		return l, nil
	case "warning":
		return "warn", nil
	default:
		return "", fmt.Errorf("%s - unknown LOG_LEVEL %q", logPrefix, c.LogLevel)
	}
}
