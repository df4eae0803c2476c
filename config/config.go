// Package config loads application settings from a .env file and environment variables.
// Environment variables always take precedence over .env file values.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Storage backend: the embedded badger store or PostgreSQL.
	StoreDriver string
	BadgerDir   string

	// PostgreSQL – either set DatabaseURL directly, or the individual fields.
	DatabaseURL string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	DBSSLMode   string

	// JWT signing secret (required).
	JWTSecret string

	// Server
	Debug      bool
	Port       string
	TLSDomains []string

	// Station bridge; empty StationAddr means no station at startup.
	StationAddr    string
	StationMAC     string
	StationTimeout time.Duration

	SyncInterval   time.Duration
	InitChipsPoint string

	// Raid website MySQL – used only by cmd/importdist.
	MySQLDSN string
}

// Load reads configuration from a .env file (if present) and then from
// environment variables. Environment variables always win.
func Load() *Config {
	cfg := FromViper(newViper())
	if err := cfg.validate(); err != nil {
		log.Fatal("config: ", err)
	}
	return cfg
}

// FromViper reads a Config from v, applying defaults. It does not validate.
func FromViper(v *viper.Viper) *Config {
	v.SetDefault("STORE_DRIVER", StoreBadger)
	v.SetDefault("BADGER_DIR", "./data/badger")
	v.SetDefault("DB_USER", "sportiduino")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "sportiduino")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("PORT", ":9000")
	v.SetDefault("DEBUG", false)
	v.SetDefault("STATION_TIMEOUT", "5s")
	v.SetDefault("SYNC_INTERVAL", "30s")
	v.SetDefault("INIT_CHIPS_POINT", "Chip init")

	return &Config{
		StoreDriver:    strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		BadgerDir:      v.GetString("BADGER_DIR"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		DBUser:         v.GetString("DB_USER"),
		DBPass:         v.GetString("DB_PASS"),
		DBHost:         v.GetString("DB_HOST"),
		DBPort:         v.GetString("DB_PORT"),
		DBName:         v.GetString("DB_NAME"),
		DBSSLMode:      v.GetString("DB_SSLMODE"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		Debug:          v.GetBool("DEBUG"),
		Port:           v.GetString("PORT"),
		TLSDomains:     splitTrimmed(v.GetString("TLS_DOMAINS")),
		StationAddr:    v.GetString("STATION_ADDR"),
		StationMAC:     v.GetString("STATION_MAC"),
		StationTimeout: v.GetDuration("STATION_TIMEOUT"),
		SyncInterval:   v.GetDuration("SYNC_INTERVAL"),
		InitChipsPoint: v.GetString("INIT_CHIPS_POINT"),
		MySQLDSN:       v.GetString("MYSQL_DSN"),
	}
}

// PostgresDSN returns the full PostgreSQL connection string.
// DATABASE_URL takes precedence over individual fields.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPass,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// JWTKey returns the JWT signing key as a byte slice.
func (c *Config) JWTKey() []byte {
	return []byte(c.JWTSecret)
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreBadger:
		if c.BadgerDir == "" {
			return errors.New("BADGER_DIR must be set")
		}
	case StorePostgres:
		if c.DatabaseURL == "" && c.DBPass == "" {
			return errors.New("DATABASE_URL or DB_PASS must be set")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if c.StationAddr != "" && c.StationMAC == "" {
		return errors.New("STATION_MAC must be set with STATION_ADDR")
	}
	if c.StationTimeout <= 0 {
		return errors.New("STATION_TIMEOUT must be positive")
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}
	return nil
}

func newViper() *viper.Viper {
	// Silently load .env – OK if the file doesn't exist (production uses real env vars).
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using environment variables only")
	}

	v := viper.New()
	v.AutomaticEnv()
	return v
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
