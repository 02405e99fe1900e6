// Package config provides bootstrap configuration for the LifeQuery server,
// read from environment variables and an optional .env file. Everything that
// can change at runtime lives in the settings table instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the application bootstrap configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Qdrant  QdrantConfig  `json:"qdrant"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// StorageConfig represents data directory layout
type StorageConfig struct {
	DataDir      string `json:"data_dir"`
	DatabaseFile string `json:"database_file"`
}

// QdrantConfig represents Qdrant vector database configuration
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIKey     string `json:"-"` // Never serialize API key
	UseTLS     bool   `json:"use_tls"`
	Collection string `json:"collection"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `json:"level"`
}

// DatabasePath returns the absolute path of the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.DatabaseFile)
}

// LoadConfig loads configuration from environment variables, reading a .env
// file first when one is present.
func LoadConfig() (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("LIFEQUERY_HOST", "127.0.0.1"),
			Port:         getEnvInt("LIFEQUERY_PORT", 8351),
			ReadTimeout:  getEnvInt("LIFEQUERY_READ_TIMEOUT", 30),
			WriteTimeout: getEnvInt("LIFEQUERY_WRITE_TIMEOUT", 0),
		},
		Storage: StorageConfig{
			DataDir:      getEnv("LIFEQUERY_DATA_DIR", "./data"),
			DatabaseFile: getEnv("LIFEQUERY_DB_FILE", "lifequery.db"),
		},
		Qdrant: QdrantConfig{
			Host:       getEnv("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			APIKey:     getEnv("QDRANT_API_KEY", ""),
			UseTLS:     getEnvBool("QDRANT_USE_TLS", false),
			Collection: getEnv("QDRANT_COLLECTION", "lifequery_chunks"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LIFEQUERY_LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Qdrant.Host == "" {
		return errors.New("qdrant host is required")
	}
	if c.Storage.DataDir == "" {
		return errors.New("data directory is required")
	}
	return nil
}

// EnsureDataDir creates the data directory when missing.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Storage.DataDir, 0o750)
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1"
}
