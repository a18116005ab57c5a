// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// Brokerage gateway (IBKR Client Portal style, running locally)
	GatewayBaseURL   string
	GatewayAccountID string
	GatewayStreamURL string // Websocket endpoint for order status updates

	Schedule ScheduleConfig
	Backup   BackupConfig
}

// ScheduleConfig holds cron specs for the background cycles.
// Daily covers time/earnings based triggers; intraday covers price-sensitive
// kinds; the allocation sweep picks up pending and partial deposits.
type ScheduleConfig struct {
	DailyTriggersCron    string `yaml:"daily_triggers_cron"`
	IntradayTriggersCron string `yaml:"intraday_triggers_cron"`
	AllocationSweepCron  string `yaml:"allocation_sweep_cron"`
	FillPollCron         string `yaml:"fill_poll_cron"`
	KeepaliveCron        string `yaml:"keepalive_cron"`
	BackupCron           string `yaml:"backup_cron"`
	MaintenanceCron      string `yaml:"maintenance_cron"`
}

// BackupConfig holds S3-compatible backup storage configuration
type BackupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Retention int    `yaml:"retention"` // Number of backups to keep
}

// Load reads configuration from environment variables and an optional
// YAML schedule file (PIETRA_CONFIG_FILE, defaults to config.yaml if present)
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("PIETRA_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("PIETRA_PORT", 8080),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		GatewayBaseURL:   getEnv("GATEWAY_BASE_URL", "https://localhost:5000/v1/api"),
		GatewayAccountID: getEnv("GATEWAY_ACCOUNT_ID", ""),
		GatewayStreamURL: getEnv("GATEWAY_STREAM_URL", "wss://localhost:5000/v1/api/ws"),
		Schedule:         defaultSchedule(),
		Backup: BackupConfig{
			Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:    getEnv("BACKUP_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_ENDPOINT", ""),
			Region:    getEnv("BACKUP_REGION", "auto"),
			AccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_SECRET_KEY", ""),
			Retention: getEnvAsInt("BACKUP_RETENTION", 14),
		},
	}

	// Optional YAML file overrides the schedule and backup defaults
	if err := cfg.applyFile(getEnv("PIETRA_CONFIG_FILE", "config.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFile merges an optional YAML config file over the current values.
// A missing file is not an error.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file struct {
		Schedule ScheduleConfig `yaml:"schedule"`
		Backup   BackupConfig   `yaml:"backup"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.Schedule.DailyTriggersCron != "" {
		c.Schedule.DailyTriggersCron = file.Schedule.DailyTriggersCron
	}
	if file.Schedule.IntradayTriggersCron != "" {
		c.Schedule.IntradayTriggersCron = file.Schedule.IntradayTriggersCron
	}
	if file.Schedule.AllocationSweepCron != "" {
		c.Schedule.AllocationSweepCron = file.Schedule.AllocationSweepCron
	}
	if file.Schedule.FillPollCron != "" {
		c.Schedule.FillPollCron = file.Schedule.FillPollCron
	}
	if file.Schedule.KeepaliveCron != "" {
		c.Schedule.KeepaliveCron = file.Schedule.KeepaliveCron
	}
	if file.Schedule.BackupCron != "" {
		c.Schedule.BackupCron = file.Schedule.BackupCron
	}
	if file.Schedule.MaintenanceCron != "" {
		c.Schedule.MaintenanceCron = file.Schedule.MaintenanceCron
	}
	if file.Backup.Bucket != "" {
		c.Backup = file.Backup
	}

	return nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but BACKUP_BUCKET not set")
	}
	return nil
}

func defaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		DailyTriggersCron:    "0 30 9 * * 1-5",    // weekdays 09:30, after market open
		IntradayTriggersCron: "0 */15 9-16 * * 1-5", // every 15 min during market hours
		AllocationSweepCron:  "0 */5 * * * *",     // every 5 minutes
		FillPollCron:         "0 * * * * *",       // every minute
		KeepaliveCron:        "0 */4 * * * *",     // every 4 minutes, under the gateway idle timeout
		BackupCron:           "0 0 2 * * *",       // nightly at 02:00
		MaintenanceCron:      "0 0 * * * *",       // hourly WAL checkpoint
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
