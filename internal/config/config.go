package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Auth      AuthConfig      `toml:"auth"`
	Reference ReferenceConfig `toml:"reference"`
	Artifacts ArtifactConfig  `toml:"artifacts"`
	Log       LogConfig       `toml:"log"`
}

// HTTPConfig configures the REST listener. An empty AllowedOrigins list
// allows any origin.
type HTTPConfig struct {
	Addr                   string   `toml:"addr" default:":8080"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds" default:"15"`
	RequestTimeoutSeconds  int      `toml:"request_timeout_seconds" default:"30"`
	AllowedOrigins         []string `toml:"allowed_origins"`
}

// GRPCConfig is the address of the gRPC health service.
type GRPCConfig struct {
	Addr string `toml:"addr" default:":9090"`
}

// DatabaseConfig selects the record store. A DSN starting with "sqlite:" opens
// a sqlite file; anything else is handed to the postgres driver.
type DatabaseConfig struct {
	DSN          string `toml:"dsn" default:"host=postgres user=postgres password=postgres dbname=medcheck port=5432 sslmode=disable"`
	MaxIdleConns int    `toml:"max_idle_conns" default:"5"`
	MaxOpenConns int    `toml:"max_open_conns" default:"10"`
}

// RedisConfig locates the cache and sets how long result and in-progress
// entries live.
type RedisConfig struct {
	Addr              string `toml:"addr" default:"redis:6379"`
	ResultTTLSeconds  int    `toml:"result_ttl_seconds" default:"300"`
	PendingTTLSeconds int    `toml:"pending_ttl_seconds" default:"60"`
}

// AuthConfig controls the bearer-token middleware. With Enabled false every
// request runs as the anonymous subject.
type AuthConfig struct {
	Enabled  bool   `toml:"enabled" default:"false"`
	Secret   string `toml:"secret"`
	Audience string `toml:"audience"`
}

// ReferenceConfig names the authentic and counterfeit exemplar images.
type ReferenceConfig struct {
	AuthenticPath   string `toml:"authentic_path" default:"data/real_01.webp"`
	CounterfeitPath string `toml:"counterfeit_path" default:"data/fake_0002.jpg"`
}

// ArtifactConfig is the directory uploads are retained in.
type ArtifactConfig struct {
	Dir string `toml:"dir" default:"data"`
}

// LogConfig sets the zap level and the optional rotated log file.
type LogConfig struct {
	Level string `toml:"level" default:"info"`
	// File enables a daily rotated log file in addition to stdout.
	File        string `toml:"file"`
	MaxAgeDays  int    `toml:"max_age_days" default:"7"`
	Development bool   `toml:"development" default:"false"`
}

// ShutdownTimeout is the grace period for in-flight requests on shutdown.
func (c HTTPConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each cache and database call made for a request.
// Image scoring is not bounded by it.
func (c HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c RedisConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

func (c RedisConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// IsSQLite reports whether the DSN selects the sqlite driver.
func (c DatabaseConfig) IsSQLite() bool {
	return strings.HasPrefix(c.DSN, "sqlite:")
}

// SQLitePath strips the "sqlite:" prefix.
func (c DatabaseConfig) SQLitePath() string {
	return strings.TrimPrefix(c.DSN, "sqlite:")
}

// Load builds the configuration from tag defaults, then the TOML file named by
// MEDCHECK_CONFIG if set, then individual environment overrides.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("MEDCHECK_CONFIG"), os.LookupEnv)
}

// LoadFrom is Load with an explicit file path and environment lookup.
func LoadFrom(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		cfg.HTTP.AllowedOrigins = []string{"*"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config: auth enabled without a secret")
	}
	if c.Reference.AuthenticPath == "" || c.Reference.CounterfeitPath == "" {
		return fmt.Errorf("config: both reference paths are required")
	}
	if c.HTTP.ShutdownTimeoutSeconds <= 0 || c.HTTP.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("config: http timeouts must be positive")
	}
	for _, o := range c.HTTP.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("config: allowed origin %q must be \"*\" or an http(s) origin", o)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("JWT_SECRET", &cfg.Auth.Secret)
	str("JWT_AUDIENCE", &cfg.Auth.Audience)
	str("REFERENCE_AUTHENTIC", &cfg.Reference.AuthenticPath)
	str("REFERENCE_COUNTERFEIT", &cfg.Reference.CounterfeitPath)
	str("ARTIFACT_DIR", &cfg.Artifacts.Dir)
	str("LOG_FILE", &cfg.Log.File)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup("AUTH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.HTTP.AllowedOrigins = origins
	}
	return nil
}
