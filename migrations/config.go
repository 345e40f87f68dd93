package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the migration tool's settings.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate uses to track applied versions.
	MigrationTable string
}

// LoadConfig reads the migration settings from the environment.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a log-safe representation with the password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL replaces the password in a connection URL with "***".
// Passwords may themselves contain "@", so the userinfo/host split uses
// the last "@" inside the authority section.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	schemeEnd := strings.Index(url, "//")
	if schemeEnd == -1 {
		return url
	}

	authStart := schemeEnd + 2

	authority := url[authStart:]
	if cut := strings.IndexAny(authority, "/?#"); cut != -1 {
		authority = authority[:cut]
	}

	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return url
	}

	colon := strings.Index(authority[:at], ":")
	if colon == -1 {
		return url
	}

	// An empty password needs no masking.
	if colon+1 == at {
		return url
	}

	return url[:authStart+colon+1] + "***" + url[authStart+at:]
}
