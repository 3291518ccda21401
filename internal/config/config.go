package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for bootseq.
type Config struct {
	Sequence  SequenceConfig  `mapstructure:"sequence"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Image     ImageConfig     `mapstructure:"image"`
	Backends  BackendsConfig  `mapstructure:"backends"`
}

// SequenceConfig describes the bootstrap sequence itself. Relative paths in
// Manifest, LockFile and IgnoreFile resolve against SourceDir; LogDir,
// CacheDir and EnvMarker resolve against Workdir.
type SequenceConfig struct {
	SourceDir      string   `mapstructure:"source_dir"`
	Workdir        string   `mapstructure:"workdir"`
	Manifest       string   `mapstructure:"manifest"`
	LockFile       string   `mapstructure:"lock_file"`
	InstallCommand []string `mapstructure:"install_command"`
	LogDir         string   `mapstructure:"log_dir"`
	Port           int      `mapstructure:"port"`
	Entrypoint     []string `mapstructure:"entrypoint"`
	IgnoreFile     string   `mapstructure:"ignore_file"`
	CopyWorkers    int      `mapstructure:"copy_workers"`
	CacheDir       string   `mapstructure:"cache_dir"`
	EnvMarker      string   `mapstructure:"env_marker"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

// ImageConfig controls `bootseq export`.
type ImageConfig struct {
	Base         string   `mapstructure:"base"`
	Output       string   `mapstructure:"output"`
	Tags         []string `mapstructure:"tags"`
	OS           string   `mapstructure:"os"`
	Architecture string   `mapstructure:"architecture"`
	Push         bool     `mapstructure:"push"`
}

// BackendsConfig holds the optional shared backends. A backend whose address
// is empty is disabled.
type BackendsConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Enabled reports whether a NATS URL is configured.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

// Enabled reports whether a Postgres DSN is configured.
func (c PostgresConfig) Enabled() bool { return c.DSN != "" }

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the BOOTSEQ_ prefix (e.g. BOOTSEQ_SEQUENCE_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BOOTSEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields the sequencer cannot run without.
func (c *Config) Validate() error {
	s := c.Sequence
	switch {
	case len(s.Entrypoint) == 0:
		return fmt.Errorf("%w: sequence.entrypoint is empty", ErrInvalid)
	case len(s.InstallCommand) == 0:
		return fmt.Errorf("%w: sequence.install_command is empty", ErrInvalid)
	case s.Port < 1 || s.Port > 65535:
		return fmt.Errorf("%w: sequence.port %d out of range", ErrInvalid, s.Port)
	case s.Manifest == "":
		return fmt.Errorf("%w: sequence.manifest is empty", ErrInvalid)
	case s.LockFile == "":
		return fmt.Errorf("%w: sequence.lock_file is empty", ErrInvalid)
	case s.Workdir == "":
		return fmt.Errorf("%w: sequence.workdir is empty", ErrInvalid)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sequence.source_dir", ".")
	v.SetDefault("sequence.workdir", "/app")
	v.SetDefault("sequence.manifest", "pyproject.toml")
	v.SetDefault("sequence.lock_file", "uv.lock")
	v.SetDefault("sequence.install_command", []string{"uv", "sync", "--frozen", "--no-dev"})
	v.SetDefault("sequence.log_dir", "logs")
	v.SetDefault("sequence.port", 8000)
	v.SetDefault("sequence.entrypoint", []string{"python", "app.py"})
	v.SetDefault("sequence.ignore_file", "")
	v.SetDefault("sequence.copy_workers", 8)
	v.SetDefault("sequence.cache_dir", ".bootseq/cache")
	v.SetDefault("sequence.env_marker", ".venv")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "bootseq")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("image.base", "python:3.12-slim")
	v.SetDefault("image.output", "image.tar")
	v.SetDefault("image.tags", []string{"app:latest"})
	v.SetDefault("image.os", "linux")
	v.SetDefault("image.architecture", "amd64")
	v.SetDefault("image.push", false)

	v.SetDefault("backends.redis.addr", "")
	v.SetDefault("backends.redis.db", 0)
	v.SetDefault("backends.redis.ttl", 7*24*time.Hour)
	v.SetDefault("backends.nats.url", "")
	v.SetDefault("backends.nats.stream", "BOOTSEQ_EVENTS")
	v.SetDefault("backends.postgres.dsn", "")
	v.SetDefault("backends.postgres.max_conns", 4)
}
