// Package config loads fastPort's env-level configuration (spec §6):
// PORT, MAX_PAYLOAD_SIZE, DB_TYPE, CLEANUP_INTERVAL_s, API_RATE_LIMIT.
// Unknown keys are ignored, per spec. Loaded with github.com/spf13/viper,
// grounded on the same dependency named across the retrieved pack's
// manifests (xorkevin-governor, webitel-im-delivery-service).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DBType selects the Storage Port backend (spec §4.2, §6 "DB_TYPE").
type DBType string

const (
	DBTypeMemory   DBType = "memory"
	DBTypePostgres DBType = "postgres"
)

// Config is fastPort's fully-resolved runtime configuration.
type Config struct {
	// Port is the websocket listen endpoint (spec §6 "PORT").
	Port int
	// MaxPayloadBytes caps both text JSON and binary frame size at the
	// transport; oversize frames close the connection (spec §6
	// "MAX_PAYLOAD_SIZE", §7 PayloadTooLarge).
	MaxPayloadBytes int64
	// DBType selects memory or postgres.
	DBType DBType
	// PostgresDSN is consulted only when DBType is postgres.
	PostgresDSN string
	// CleanupInterval is how often Storage.CleanupExpired runs (spec §6
	// "CLEANUP_INTERVAL_s").
	CleanupInterval time.Duration
	// APIRateLimit is an adapter concern (spec §6); the core carries it
	// through only so an HTTP/admin adapter can read it from the same
	// config surface.
	APIRateLimit int
}

// Load reads configuration from the process environment (and, if
// present, a fastport.yaml/.env discovered in the working directory or
// /etc/fastport), applying the documented defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("fastport")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fastport")

	// Bind each key to the bare env var name spec §6 documents — no
	// prefix. AutomaticEnv would otherwise require a prefix to avoid
	// picking up unrelated process env vars, which is exactly what the
	// spec's "recognized keys" list does not ask for.
	for key, env := range map[string]string{
		"port":               "PORT",
		"max_payload_size":   "MAX_PAYLOAD_SIZE",
		"db_type":            "DB_TYPE",
		"postgres_dsn":       "POSTGRES_DSN",
		"cleanup_interval_s": "CLEANUP_INTERVAL_s",
		"api_rate_limit":     "API_RATE_LIMIT",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	v.SetDefault("port", 8080)
	v.SetDefault("max_payload_size", 64<<20) // 64 MiB
	v.SetDefault("db_type", string(DBTypeMemory))
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("cleanup_interval_s", 60)
	v.SetDefault("api_rate_limit", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	dbType := DBType(v.GetString("db_type"))
	if dbType != DBTypeMemory && dbType != DBTypePostgres {
		return nil, fmt.Errorf("config: unsupported DB_TYPE %q", dbType)
	}

	return &Config{
		Port:            v.GetInt("port"),
		MaxPayloadBytes: v.GetInt64("max_payload_size"),
		DBType:          dbType,
		PostgresDSN:     v.GetString("postgres_dsn"),
		CleanupInterval: time.Duration(v.GetInt64("cleanup_interval_s")) * time.Second,
		APIRateLimit:    v.GetInt("api_rate_limit"),
	}, nil
}
