// Package config loads the orchestrator configuration from defaults, an
// optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/database"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Database database.Config    `yaml:"database"`
	Log      LogConfig          `yaml:"log"`
	Fleet    FleetConfig        `yaml:"fleet"`
	Auth     AuthConfig         `yaml:"auth"`
	NATS     NATSConfig         `yaml:"nats"`
	Webhooks []webhook.Endpoint `yaml:"webhooks"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// FleetConfig tunes the background loops
type FleetConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// AuthConfig configures operator authentication. Auth is disabled when no
// secret is set.
type AuthConfig struct {
	JWTSecretKey string           `yaml:"jwt_secret_key"`
	TokenExpiry  time.Duration    `yaml:"token_expiry"`
	Operators    []OperatorConfig `yaml:"operators"`
}

// Enabled reports whether operator endpoints require a token
func (a AuthConfig) Enabled() bool {
	return a.JWTSecretKey != ""
}

// OperatorAccounts converts the configured operators for the authenticator
func (a AuthConfig) OperatorAccounts() []*models.Operator {
	ops := make([]*models.Operator, 0, len(a.Operators))
	for _, op := range a.Operators {
		ops = append(ops, &models.Operator{
			Username:     op.Username,
			PasswordHash: op.PasswordHash,
			Role:         op.Role,
		})
	}
	return ops
}

// OperatorConfig is a statically configured operator account
type OperatorConfig struct {
	Username     string          `yaml:"username"`
	PasswordHash string          `yaml:"password_hash"` // bcrypt
	Role         models.UserRole `yaml:"role"`
}

// NATSConfig configures the optional NATS event bridge
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: database.Config{
			Driver: database.DriverFile,
			DSN:    "data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Fleet: FleetConfig{
			HeartbeatTimeout:  5 * time.Minute,
			SweepInterval:     30 * time.Second,
			SchedulerInterval: 15 * time.Second,
			StatsInterval:     30 * time.Second,
			CommandTimeout:    time.Hour,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		NATS: NATSConfig{
			SubjectPrefix: "fleet.events",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Auth.JWTSecretKey = getEnv("JWT_SECRET_KEY", c.Auth.JWTSecretKey)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	// a single admin account can be supplied without a config file
	if user, hash := os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD_HASH"); user != "" && hash != "" {
		c.Auth.Operators = append(c.Auth.Operators, OperatorConfig{
			Username:     user,
			PasswordHash: hash,
			Role:         models.RoleAdmin,
		})
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	switch c.Database.Driver {
	case database.DriverFile, database.DriverSQLite, database.DriverPostgres, database.DriverBadger:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	intervals := map[string]time.Duration{
		"fleet.heartbeat_timeout":  c.Fleet.HeartbeatTimeout,
		"fleet.sweep_interval":     c.Fleet.SweepInterval,
		"fleet.scheduler_interval": c.Fleet.SchedulerInterval,
		"fleet.stats_interval":     c.Fleet.StatsInterval,
		"fleet.command_timeout":    c.Fleet.CommandTimeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	for i, op := range c.Auth.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth.operators[%d] needs username and password_hash", i))
		}
		if !op.Role.Valid() {
			errs = append(errs, fmt.Errorf("auth.operators[%d] has unknown role %q", i, op.Role))
		}
	}

	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d] needs a url", i))
		}
	}

	return errors.Join(errs...)
}

// ConfigureZerolog sets the global level and output format
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	switch strings.ToLower(c.Level) {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if strings.ToLower(c.Format) == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
