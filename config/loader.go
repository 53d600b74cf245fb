// Package config provides unified configuration loading for the key-pool
// router: YAML file plus environment-variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("KEYROUTER").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the router daemon.
type Config struct {
	// Server holds the status/metrics HTTP server settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database holds the usage-persistence database settings.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis holds the optional shared usage-mirror settings.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Router holds the provider pools and task routing tables.
	Router RouterConfig `yaml:"router" env:"-"`

	// Log holds the logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig configures the status and metrics HTTP listeners.
type ServerConfig struct {
	// Port for the read-only status endpoints.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Port for Prometheus metrics.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout for incoming requests.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout for responses.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig configures the durable usage-counter store.
type DatabaseConfig struct {
	// Driver is one of: postgres, mysql, sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	User   string `yaml:"user" env:"USER"`
	// Password for the database user.
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite.
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool tuning.
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the optional cross-replica usage mirror.
// An empty Addr disables the mirror.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// RouterConfig declares the provider pools and the task→provider tables.
// It is static: pools are built once at startup and never mutated.
type RouterConfig struct {
	// ErrorThreshold is the consecutive soft-failure count that disables a key.
	ErrorThreshold int `yaml:"error_threshold"`
	// Providers lists every provider and its credential pool, in config order.
	Providers []ProviderConfig `yaml:"providers"`
	// Tasks maps a task type (chat, ocr, tts, ...) to providers in failover order.
	Tasks map[string][]string `yaml:"tasks"`
}

// ProviderConfig declares one upstream vendor and its ordered credentials.
type ProviderConfig struct {
	// Code is the provider identifier referenced by task tables.
	Code string `yaml:"code"`
	// DefaultDailyLimit applies to keys sourced from numbered env vars and to
	// YAML keys that omit daily_limit.
	DefaultDailyLimit int `yaml:"default_daily_limit"`
	// Keys is the ordered credential list.
	Keys []KeyConfig `yaml:"keys"`
}

// KeyConfig declares a single credential.
type KeyConfig struct {
	Secret     string `yaml:"secret"`
	DailyLimit int    `yaml:"daily_limit"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths, e.g. stdout or file paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller adds caller annotations.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KEYROUTER",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Credentials sourced from numbered env vars join the pool after the
	// YAML-declared keys, preserving order.
	l.expandKeyEnv(cfg)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from the YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// expandKeyEnv appends credentials declared as numbered environment
// variables: <prefix>_KEY_<PROVIDER>_1, _2, ... Scanning stops at the first
// missing index so the list stays ordered and gap-free.
func (l *Loader) expandKeyEnv(cfg *Config) {
	for i := range cfg.Router.Providers {
		p := &cfg.Router.Providers[i]
		code := strings.ToUpper(strings.ReplaceAll(p.Code, "-", "_"))
		for n := 1; ; n++ {
			secret := os.Getenv(fmt.Sprintf("%s_KEY_%s_%d", l.envPrefix, code, n))
			if secret == "" {
				break
			}
			p.Keys = append(p.Keys, KeyConfig{Secret: secret, DailyLimit: p.DefaultDailyLimit})
		}
	}
}

// setFieldsFromEnv recursively sets struct fields from env vars.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Router.ErrorThreshold <= 0 {
		errs = append(errs, "error_threshold must be positive")
	}

	known := make(map[string]bool, len(c.Router.Providers))
	for _, p := range c.Router.Providers {
		if p.Code == "" {
			errs = append(errs, "provider with empty code")
			continue
		}
		if known[p.Code] {
			errs = append(errs, fmt.Sprintf("duplicate provider %q", p.Code))
		}
		known[p.Code] = true

		if len(p.Keys) == 0 {
			errs = append(errs, fmt.Sprintf("provider %q has no keys", p.Code))
		}
		for i, k := range p.Keys {
			if k.Secret == "" {
				errs = append(errs, fmt.Sprintf("provider %q key %d has empty secret", p.Code, i))
			}
			if k.DailyLimit <= 0 && p.DefaultDailyLimit <= 0 {
				errs = append(errs, fmt.Sprintf("provider %q key %d has no daily limit", p.Code, i))
			}
		}
	}

	for task, providers := range c.Router.Tasks {
		if len(providers) == 0 {
			errs = append(errs, fmt.Sprintf("task %q has no providers", task))
		}
		for _, code := range providers {
			if !known[code] {
				errs = append(errs, fmt.Sprintf("task %q references unknown provider %q", task, code))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
