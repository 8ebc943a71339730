// Package config provides configuration management for KeyGate.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/MacJediWizard/keygate/internal/artifacts"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment   Environment
	ListenAddr    string
	DatabaseURL   string
	SessionSecret string
	SessionMaxAge int    // session lifetime in seconds (default: 86400)
	RedisURL      string // optional; enables the shared rate-limit store
	RateLimit     string // limiter format, e.g. "60-M"
	S3            artifacts.S3Config
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	sessionMaxAge := getEnvInt("SESSION_MAX_AGE", 86400)
	if sessionMaxAge < 0 {
		sessionMaxAge = 86400
	}

	return ServerConfig{
		Environment:   env,
		ListenAddr:    getEnvString("LISTEN_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionMaxAge: sessionMaxAge,
		RedisURL:      os.Getenv("REDIS_URL"),
		RateLimit:     getEnvString("RATE_LIMIT", "60-M"),
		S3: artifacts.S3Config{
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Bucket:          os.Getenv("S3_BUCKET"),
			Prefix:          os.Getenv("S3_PREFIX"),
			Region:          os.Getenv("S3_REGION"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			UseSSL:          getEnvBool("S3_USE_SSL", true),
		},
	}
}

// SecureCookies reports whether session cookies should require HTTPS.
func (c ServerConfig) SecureCookies() bool {
	return c.Environment == EnvProduction
}

// BlobStoreConfigured reports whether artifact object storage is set up.
func (c ServerConfig) BlobStoreConfigured() bool {
	return c.S3.Bucket != ""
}

// getEnvString reads a string from an environment variable, returning the default if unset.
func getEnvString(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
