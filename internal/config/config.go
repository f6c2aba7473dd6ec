// Package config loads the application configuration and the per-user sync
// configuration store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GoogleCredentials represents the structure of a Google OAuth credentials
// JSON file as downloaded from the Google Cloud Console.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth client credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// AppConfig holds the process-wide settings. Per-user sync settings live in
// the Store, not here.
type AppConfig struct {
	// DataDir is the root for user configs, locks, logs, and the ICS cache.
	DataDir string `yaml:"data_dir"`

	// Listen is the HTTP trigger server address (daemon mode).
	Listen string `yaml:"listen"`

	// Schedule is the cron expression for batch runs (daemon mode).
	Schedule string `yaml:"schedule"`

	// GoogleCredentialsPath points at the OAuth client credentials JSON.
	GoogleCredentialsPath string `yaml:"google_credentials_path"`

	// SourceTimeoutSeconds bounds ICS fetches.
	SourceTimeoutSeconds int `yaml:"source_timeout_seconds"`

	// MaxAttempts bounds retries per target write operation.
	MaxAttempts int `yaml:"max_attempts"`

	// BatchSize and BatchPauseMillis shape the write phases: operations run
	// in chunks of BatchSize with a pause between chunks.
	BatchSize        int `yaml:"batch_size"`
	BatchPauseMillis int `yaml:"batch_pause_ms"`

	// MaxParallelUsers bounds batch-run parallelism.
	MaxParallelUsers int `yaml:"max_parallel_users"`

	// RequestsPerSecond paces calls against the target provider.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// AllowPrivateSources disables the SSRF guard on ICS URLs. Leave false
	// unless every configured user is trusted and feeds live on a private
	// network.
	AllowPrivateSources bool `yaml:"allow_private_sources"`

	// UserAgent is sent on ICS fetches.
	UserAgent string `yaml:"user_agent"`
}

// SourceTimeout returns the ICS fetch timeout as a duration.
func (c *AppConfig) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutSeconds) * time.Second
}

// BatchPause returns the pause between write batches as a duration.
func (c *AppConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMillis) * time.Millisecond
}

// Overrides carries command-line flag values. Zero values mean "not set".
type Overrides struct {
	DataDir               string
	Listen                string
	Schedule              string
	GoogleCredentialsPath string
}

// loadAppConfigFile reads an AppConfig from a YAML file.
func loadAppConfigFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Load loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing or malformed.
func Load(configFile string, flags Overrides) (*AppConfig, error) {
	var config AppConfig

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := loadAppConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		config.DataDir = dataDir
	}
	if listen := os.Getenv("LISTEN_ADDR"); listen != "" {
		config.Listen = listen
	}
	if schedule := os.Getenv("SYNC_SCHEDULE"); schedule != "" {
		config.Schedule = schedule
	}
	if googleCredentialsPath := os.Getenv("GOOGLE_CREDENTIALS_PATH"); googleCredentialsPath != "" {
		config.GoogleCredentialsPath = googleCredentialsPath
	}
	if v := os.Getenv("SOURCE_TIMEOUT_SECONDS"); v != "" {
		var err error
		if config.SourceTimeoutSeconds, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("invalid SOURCE_TIMEOUT_SECONDS value: %w", err)
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		var err error
		if config.MaxAttempts, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS value: %w", err)
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		var err error
		if config.BatchSize, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE value: %w", err)
		}
	}
	if v := os.Getenv("BATCH_PAUSE_MS"); v != "" {
		var err error
		if config.BatchPauseMillis, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("invalid BATCH_PAUSE_MS value: %w", err)
		}
	}
	if v := os.Getenv("MAX_PARALLEL_USERS"); v != "" {
		var err error
		if config.MaxParallelUsers, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_PARALLEL_USERS value: %w", err)
		}
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUESTS_PER_SECOND value: %w", err)
		}
		config.RequestsPerSecond = rps
	}
	if v := os.Getenv("ALLOW_PRIVATE_SOURCES"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOW_PRIVATE_SOURCES value: %w", err)
		}
		config.AllowPrivateSources = allow
	}
	if ua := os.Getenv("SYNC_USER_AGENT"); ua != "" {
		config.UserAgent = ua
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.DataDir != "" {
		config.DataDir = flags.DataDir
	}
	if flags.Listen != "" {
		config.Listen = flags.Listen
	}
	if flags.Schedule != "" {
		config.Schedule = flags.Schedule
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}

	// Step 4: Apply defaults and validate required fields
	if config.GoogleCredentialsPath == "" {
		return nil, fmt.Errorf("google_credentials_path must be provided via --credentials flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
	}

	if config.DataDir == "" {
		config.DataDir = "./data"
	}
	if config.Listen == "" {
		config.Listen = ":8080"
	}
	if config.Schedule == "" {
		config.Schedule = "*/30 * * * *"
	}
	if config.SourceTimeoutSeconds <= 0 {
		config.SourceTimeoutSeconds = 30
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.BatchPauseMillis <= 0 {
		config.BatchPauseMillis = 500
	}
	if config.MaxParallelUsers <= 0 {
		config.MaxParallelUsers = 4
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "calmirror/1.0 (+https://github.com/calmirror/calmirror)"
	}

	return &config, nil
}

// parseInt parses a string to an integer.
func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
