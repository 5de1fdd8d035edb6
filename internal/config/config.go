package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig   `json:"server"`
	Blue    DatabaseConfig `json:"blue"`
	Green   DatabaseConfig `json:"green"`
	Sync    SyncConfig     `json:"sync"`
	Cutover CutoverConfig  `json:"cutover"`
	Redis   RedisConfig    `json:"redis"`
	Logging LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the keyword/value connection string accepted by both
// lib/pq and pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type SyncConfig struct {
	Tables          []string `json:"tables"`
	Interval        string   `json:"interval"` // e.g. "1s"
	SampleSize      int      `json:"sampleSize"`
	TimestampColumn string   `json:"timestampColumn"`
	PlanFile        string   `json:"planFile"`
	AutoStart       bool     `json:"autoStart"`
}

type CutoverConfig struct {
	MaxLagSeconds float64 `json:"maxLagSeconds"`
	Timeout       string  `json:"timeout"`      // e.g. "300s"
	PollInterval  string  `json:"pollInterval"` // e.g. "1s"
	SettleWindow  string  `json:"settleWindow"` // e.g. "5s"
	StrictTraffic bool    `json:"strictTraffic"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Plan is an optional YAML migration plan naming the tables to keep in
// sync, with per-table overrides.
type Plan struct {
	Tables []PlanTable `yaml:"tables"`
}

type PlanTable struct {
	Name            string `yaml:"name"`
	TimestampColumn string `yaml:"timestamp_column"`
}

func (p *Plan) TableNames() []string {
	names := make([]string, 0, len(p.Tables))
	for _, t := range p.Tables {
		names = append(names, t.Name)
	}
	return names
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Blue: DatabaseConfig{
			Host:     getEnv("BLUE_DB_HOST", "localhost"),
			Port:     getEnvInt("BLUE_DB_PORT", 5432),
			User:     getEnv("BLUE_DB_USER", "admin"),
			Password: getEnv("BLUE_DB_PASSWORD", "password"),
			DBName:   getEnv("BLUE_DB_NAME", "appdb"),
			SSLMode:  getEnv("BLUE_DB_SSLMODE", "disable"),
		},
		Green: DatabaseConfig{
			Host:     getEnv("GREEN_DB_HOST", "localhost"),
			Port:     getEnvInt("GREEN_DB_PORT", 5433),
			User:     getEnv("GREEN_DB_USER", "admin"),
			Password: getEnv("GREEN_DB_PASSWORD", "password"),
			DBName:   getEnv("GREEN_DB_NAME", "appdb"),
			SSLMode:  getEnv("GREEN_DB_SSLMODE", "disable"),
		},
		Sync: SyncConfig{
			Tables:          splitList(getEnv("SYNC_TABLES", "")),
			Interval:        getEnv("SYNC_INTERVAL", "1s"),
			SampleSize:      getEnvInt("SYNC_SAMPLE_SIZE", 1000),
			TimestampColumn: getEnv("SYNC_TIMESTAMP_COLUMN", "updated_at"),
			PlanFile:        getEnv("MIGRATION_PLAN_FILE", ""),
			AutoStart:       getEnvBool("SYNC_AUTO_START", false),
		},
		Cutover: CutoverConfig{
			MaxLagSeconds: getEnvFloat("CUTOVER_MAX_LAG_SECONDS", 1.0),
			Timeout:       getEnv("CUTOVER_TIMEOUT", "300s"),
			PollInterval:  getEnv("CUTOVER_POLL_INTERVAL", "1s"),
			SettleWindow:  getEnv("CUTOVER_SETTLE_WINDOW", "5s"),
			StrictTraffic: getEnvBool("CUTOVER_STRICT_TRAFFIC", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Sync.Interval == "" {
		cfg.Sync.Interval = "1s"
	}
	if cfg.Sync.SampleSize == 0 {
		cfg.Sync.SampleSize = 1000
	}
	if cfg.Sync.TimestampColumn == "" {
		cfg.Sync.TimestampColumn = "updated_at"
	}
	if cfg.Cutover.MaxLagSeconds == 0 {
		cfg.Cutover.MaxLagSeconds = 1.0
	}
	if cfg.Cutover.Timeout == "" {
		cfg.Cutover.Timeout = "300s"
	}
	if cfg.Cutover.PollInterval == "" {
		cfg.Cutover.PollInterval = "1s"
	}
	if cfg.Cutover.SettleWindow == "" {
		cfg.Cutover.SettleWindow = "5s"
	}

	if cfg.Sync.PlanFile != "" {
		plan, err := LoadPlan(cfg.Sync.PlanFile)
		if err != nil {
			return nil, err
		}
		if len(cfg.Sync.Tables) == 0 {
			cfg.Sync.Tables = plan.TableNames()
		}
	}

	return cfg, nil
}

// LoadPlan reads a YAML migration plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	return &plan, nil
}

// ParseDuration parses s, falling back to d when empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
