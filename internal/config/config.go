// Package config loads application settings from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	IMAP     IMAPConfig     `yaml:"imap"`
	AI       AIConfig       `yaml:"ai"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres DSN.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig holds filesystem layout and the ingest allow-list.
type StorageConfig struct {
	BasePath         string   `yaml:"base_path"`
	TemplatesDir     string   `yaml:"templates_dir"`
	ProposalsDir     string   `yaml:"proposals_dir"`
	ReportsDir       string   `yaml:"reports_dir"`
	RulesFile        string   `yaml:"rules_file"`
	AllowedFileTypes []string `yaml:"allowed_file_types"`
}

// IMAPConfig holds mailbox polling settings. Exactly one of Password and
// OAuthToken must be set when Enabled.
type IMAPConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	OAuthToken      string `yaml:"oauth_token"`
	Folder          string `yaml:"folder"`
	PollingInterval int    `yaml:"polling_interval"` // seconds
}

// AIConfig holds the optional LLM suggestion settings.
type AIConfig struct {
	UseAISuggestions bool    `yaml:"use_ai_suggestions"`
	OpenRouterAPIKey string  `yaml:"openrouter_api_key"`
	OpenRouterModel  string  `yaml:"openrouter_model"`
	MinConfidence    float64 `yaml:"min_confidence"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML file at path. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("ALLOWED_FILE_TYPES"); v != "" {
		cfg.Storage.AllowedFileTypes = splitList(v)
	}
	if v := os.Getenv("IMAP_HOST"); v != "" {
		cfg.IMAP.Host = v
		cfg.IMAP.Enabled = true
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.IMAP.Port = port
		}
	}
	if v := os.Getenv("IMAP_USERNAME"); v != "" {
		cfg.IMAP.Username = v
	}
	if v := os.Getenv("IMAP_PASSWORD"); v != "" {
		cfg.IMAP.Password = v
	}
	if v := os.Getenv("IMAP_OAUTH_TOKEN"); v != "" {
		cfg.IMAP.OAuthToken = v
	}
	if v := os.Getenv("POLLING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IMAP.PollingInterval = n
		}
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.AI.OpenRouterAPIKey = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		cfg.AI.OpenRouterModel = v
	}
	if v := os.Getenv("USE_AI_SUGGESTIONS"); v != "" {
		cfg.AI.UseAISuggestions = v == "true" || v == "1"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Database.URL == "" {
		c.Database.URL = "postgres://localhost:5432/bordereaux?sslmode=disable"
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "./storage"
	}
	if c.Storage.TemplatesDir == "" {
		c.Storage.TemplatesDir = "templates"
	}
	if c.Storage.ProposalsDir == "" {
		c.Storage.ProposalsDir = "templates/proposals"
	}
	if c.Storage.ReportsDir == "" {
		c.Storage.ReportsDir = "validation_reports"
	}
	if c.Storage.RulesFile == "" {
		c.Storage.RulesFile = "rules.json"
	}
	if len(c.Storage.AllowedFileTypes) == 0 {
		c.Storage.AllowedFileTypes = []string{"xlsx", "xls", "csv"}
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.IMAP.PollingInterval == 0 {
		c.IMAP.PollingInterval = 300
	}
	if c.AI.OpenRouterModel == "" {
		c.AI.OpenRouterModel = "openai/gpt-3.5-turbo"
	}
	if c.AI.MinConfidence == 0 {
		c.AI.MinConfidence = 0.30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.IMAP.Enabled {
		if c.IMAP.Host == "" {
			return fmt.Errorf("imap host is required when the poller is enabled")
		}
		if c.IMAP.Username == "" {
			return fmt.Errorf("imap username is required when the poller is enabled")
		}
		hasPassword := c.IMAP.Password != ""
		hasToken := c.IMAP.OAuthToken != ""
		if hasPassword == hasToken {
			return fmt.Errorf("imap requires exactly one of password or oauth token")
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
