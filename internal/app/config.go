package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the room host.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Rooms       RoomConfig        `mapstructure:"rooms"`
	Assets      AssetConfig       `mapstructure:"assets"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// StorageConfig selects and configures the durable blob store.
type StorageConfig struct {
	Driver     string           `mapstructure:"driver"` // filesystem | database
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

// FilesystemConfig holds the directory-backed store options.
type FilesystemConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string           `mapstructure:"driver"` // sqlite | postgres
	Path     string           `mapstructure:"path"`
	DSN      string           `mapstructure:"dsn"`
	Postgres PostgresSettings `mapstructure:"postgres"`
}

// PostgresSettings represents host based database parameters.
type PostgresSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig selects the edge cache backend for asset downloads.
type CacheConfig struct {
	Backend string            `mapstructure:"backend"` // memory | redis | off
	Memory  MemoryCacheConfig `mapstructure:"memory"`
	Redis   RedisCacheConfig  `mapstructure:"redis"`
}

// MemoryCacheConfig bounds the in-process cache.
type MemoryCacheConfig struct {
	Size int `mapstructure:"size"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RoomConfig tunes room lifecycle behaviour.
type RoomConfig struct {
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
}

// AssetConfig tunes the upload surface.
type AssetConfig struct {
	UploadRateLimit  int           `mapstructure:"upload_rate_limit"`
	UploadRateWindow time.Duration `mapstructure:"upload_rate_window"`
}

// MaintenanceConfig drives the abandoned-chunk sweeper.
type MaintenanceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	ChunkTTL      time.Duration `mapstructure:"chunk_ttl"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("ROOMHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if config.Auth.Secret == "" {
		return nil, errors.New("config: auth.secret is required")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.issuer", "roomhost")
	v.SetDefault("auth.token_ttl", "15m")

	v.SetDefault("storage.driver", "filesystem")
	v.SetDefault("storage.filesystem.dir", "./data/blobs")
	v.SetDefault("storage.database.driver", "sqlite")
	v.SetDefault("storage.database.path", "./data/roomhost.sqlite")
	v.SetDefault("storage.database.postgres.port", 5432)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.memory.size", 512)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.ttl", "1h")
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("rooms.persist_interval", "10s")
	v.SetDefault("rooms.probe_timeout", "10s")

	v.SetDefault("assets.upload_rate_limit", 300)
	v.SetDefault("assets.upload_rate_window", "1m")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.sweep_schedule", "@hourly")
	v.SetDefault("maintenance.chunk_ttl", "24h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
