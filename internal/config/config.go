// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the letter browser.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage modes.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// defaultLocalLocation is where the mail interceptor writes letters when
// running from a project root.
const defaultLocalLocation = "tmp/letter_opener"

// Config holds the complete application configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	S3      S3Config      `yaml:"s3"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig selects where letters are read from.
type StorageConfig struct {
	// Mode is "local" or "s3".
	Mode string `yaml:"mode"`
	// Location is a directory for local storage, or a key prefix for s3.
	Location string `yaml:"location"`
}

// S3Config holds S3 bucket and credential configuration.
type S3Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// TLSConfig holds TLS settings for the HTTP listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Hosts are the DNS names and IPs a generated certificate is valid for.
	// Empty means localhost, 127.0.0.1 and ::1.
	Hosts []string `yaml:"hosts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	cfg.applyLocationDefault()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.applyLocationDefault()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected storage mode is usable.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case StorageLocal:
		if c.Storage.Location == "" {
			return fmt.Errorf("local storage requires a location")
		}
	case StorageS3:
		if !c.S3Configured() {
			return fmt.Errorf("s3 storage requires S3_REGION and S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	return nil
}

// S3Configured returns true if the bucket and region are set.
func (c *Config) S3Configured() bool {
	return c.S3.Region != "" && c.S3.Bucket != ""
}

// AuthEnabled returns true if both HTTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.HTTP.Username != "" && c.HTTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":3000"
	c.Storage.Mode = StorageLocal
	c.Logging.Level = "info"
}

// applyLocationDefault fills in the local location once the mode is known.
// An s3 location may legitimately be empty (the bucket root).
func (c *Config) applyLocationDefault() {
	if c.Storage.Mode == StorageLocal && c.Storage.Location == "" {
		c.Storage.Location = defaultLocalLocation
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_USERNAME"); v != "" {
		c.HTTP.Username = v
	}
	if v := os.Getenv("HTTP_PASSWORD"); v != "" {
		c.HTTP.Password = v
	}

	if v := os.Getenv("LETTERS_STORAGE"); v != "" {
		c.Storage.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("LETTERS_LOCATION"); v != "" {
		c.Storage.Location = v
	}

	if v := os.Getenv("S3_REGION"); v != "" {
		c.S3.Region = v
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		c.S3.AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		c.S3.SecretAccessKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.S3.Bucket = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.S3.Endpoint = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.S3.UsePathStyle = b
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Enabled = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_HOSTS"); v != "" {
		c.TLS.Hosts = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated value, dropping blank entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
