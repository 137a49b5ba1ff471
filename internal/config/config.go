// Package config loads service configuration from defaults, an optional YAML
// file and ROSTERSYNC_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: ROSTERSYNC_DATABASE__DSN sets database.dsn.
const EnvPrefix = "ROSTERSYNC_"

// PathEnvVar overrides the config file location.
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"rostersync.yaml",
	"rostersync.yml",
	"/etc/rostersync/config.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Provider ProviderConfig `koanf:"provider"`
	Sync     SyncConfig     `koanf:"sync"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	RateLimitRPS    float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst  int           `koanf:"rate_limit_burst" validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=memory postgres"`
	DSN             string        `koanf:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

type ProviderConfig struct {
	Name            string        `koanf:"name" validate:"required"`
	BaseURL         string        `koanf:"base_url" validate:"required,url"`
	AuthURL         string        `koanf:"auth_url" validate:"required,url"`
	TokenURL        string        `koanf:"token_url" validate:"required,url"`
	ClientID        string        `koanf:"client_id"`
	ClientSecret    string        `koanf:"client_secret"`
	RedirectURL     string        `koanf:"redirect_url" validate:"omitempty,url"`
	Scopes          []string      `koanf:"scopes"`
	MaxItems        int           `koanf:"max_items" validate:"gt=0"`
	MaxPages        int           `koanf:"max_pages" validate:"gt=0"`
	RatePerSecond   float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst           int           `koanf:"burst" validate:"gt=0"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type SyncConfig struct {
	Workers          int           `koanf:"workers" validate:"gte=0"`
	PollInterval     time.Duration `koanf:"poll_interval" validate:"gt=0"`
	JobTimeout       time.Duration `koanf:"job_timeout" validate:"gte=0"`
	MaxAttempts      int           `koanf:"max_attempts" validate:"gte=1"`
	RetryInitial     time.Duration `koanf:"retry_initial" validate:"gt=0"`
	RetryMax         time.Duration `koanf:"retry_max" validate:"gtefield=RetryInitial"`
	FetchConcurrency int           `koanf:"fetch_concurrency" validate:"gte=1"`
	DefaultFrequency string        `koanf:"default_frequency" validate:"oneof=MANUAL HOURLY DAILY WEEKLY"`
	JobRetention     time.Duration `koanf:"job_retention" validate:"gt=0"`
	PasswordCost     int           `koanf:"password_cost" validate:"gte=4,lte=31"`
}

type SecurityConfig struct {
	JWTSecret     string        `koanf:"jwt_secret" validate:"required,min=32"`
	KeySource     string        `koanf:"key_source" validate:"oneof=env aws"`
	EncryptionKey string        `koanf:"encryption_key" validate:"required_if=KeySource env"`
	AWSSecretID   string        `koanf:"aws_secret_id" validate:"required_if=KeySource aws"`
	AWSRegion     string        `koanf:"aws_region"`
	StateTTL      time.Duration `koanf:"state_ttl" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Provider: ProviderConfig{
			Name:            "planning_center",
			BaseURL:         "https://api.planningcenteronline.com/people/v2",
			AuthURL:         "https://api.planningcenteronline.com/oauth/authorize",
			TokenURL:        "https://api.planningcenteronline.com/oauth/token",
			Scopes:          []string{"people"},
			MaxItems:        10000,
			MaxPages:        1000,
			RatePerSecond:   10,
			Burst:           5,
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			Workers:          4,
			PollInterval:     time.Second,
			JobTimeout:       30 * time.Minute,
			MaxAttempts:      3,
			RetryInitial:     30 * time.Second,
			RetryMax:         30 * time.Minute,
			FetchConcurrency: 4,
			DefaultFrequency: "DAILY",
			JobRetention:     7 * 24 * time.Hour,
			PasswordCost:     12,
		},
		Security: SecurityConfig{
			KeySource: "env",
			StateTTL:  10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the layered configuration. An empty path searches PathEnvVar
// and DefaultPaths; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	if err := splitLists(k, "provider.scopes"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps ROSTERSYNC_SYNC__MAX_ATTEMPTS to sync.max_attempts.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// splitLists turns comma separated env values into slices.
func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, p := range paths {
		s, ok := k.Get(p).(string)
		if !ok {
			continue
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if err := k.Set(p, out); err != nil {
			return fmt.Errorf("config: set %s: %w", p, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
