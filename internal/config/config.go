package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Store drivers
const (
	StoreDriverRedis  = "redis"
	StoreDriverMySQL  = "mysql"
	StoreDriverMemory = "memory"
)

// Config holds all configuration
type Config struct {
	HTTPAddr     string
	StoreDriver  string
	Migrate      bool
	MySQL        MySQLConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Admin        AdminConfig
	Gobii        GobiiConfig
	Poller       PollerConfig
	ResumeWorker ResumeWorkerConfig
	Log          LogConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// AdminConfig holds the single API user
type AdminConfig struct {
	Username     string
	PasswordHash string
}

// GobiiConfig holds remote API configuration
type GobiiConfig struct {
	BaseURL    string
	TimeoutSec int
}

// PollerConfig holds status poller configuration
type PollerConfig struct {
	IntervalSec int
}

// ResumeWorkerConfig holds resume worker configuration
type ResumeWorkerConfig struct {
	Enabled     bool
	IntervalSec int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		StoreDriver: getEnv("STORE_DRIVER", StoreDriverRedis),
		Migrate:     getEnv("MIGRATE", "0") == "1",
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASS", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "gobii:"),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "gobii_runner"),
		},
		Admin: AdminConfig{
			Username:     getEnv("ADMIN_USERNAME", "admin"),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		Gobii: GobiiConfig{
			BaseURL:    getEnv("GOBII_API_URL", "https://api.gobii.org"),
			TimeoutSec: getEnvInt("GOBII_TIMEOUT_SEC", 30),
		},
		Poller: PollerConfig{
			IntervalSec: getEnvInt("POLL_INTERVAL_SEC", 5),
		},
		ResumeWorker: ResumeWorkerConfig{
			Enabled:     getEnv("RESUME_WORKER_ENABLED", "1") == "1",
			IntervalSec: getEnvInt("RESUME_WORKER_INTERVAL_SEC", 60),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	cfg := &Config{
		HTTPAddr:    getValue("HTTP_ADDR", "http", "addr", ":8080"),
		StoreDriver: getValue("STORE_DRIVER", "store", "driver", StoreDriverRedis),
		Migrate:     getValueBool("MIGRATE", "app", "migrate", false),
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:      getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password:  getValue("REDIS_PASS", "redis", "pass", ""),
			DB:        getValueInt("REDIS_DB", "redis", "db", 0),
			KeyPrefix: getValue("REDIS_KEY_PREFIX", "redis", "key_prefix", "gobii:"),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "gobii_runner"),
		},
		Admin: AdminConfig{
			Username:     getValue("ADMIN_USERNAME", "admin", "username", "admin"),
			PasswordHash: getValue("ADMIN_PASSWORD_HASH", "admin", "password_hash", ""),
		},
		Gobii: GobiiConfig{
			BaseURL:    getValue("GOBII_API_URL", "gobii", "base_url", "https://api.gobii.org"),
			TimeoutSec: getValueInt("GOBII_TIMEOUT_SEC", "gobii", "timeout_sec", 30),
		},
		Poller: PollerConfig{
			IntervalSec: getValueInt("POLL_INTERVAL_SEC", "poller", "interval_sec", 5),
		},
		ResumeWorker: ResumeWorkerConfig{
			Enabled:     getValueBool("RESUME_WORKER_ENABLED", "resume_worker", "enabled", true),
			IntervalSec: getValueInt("RESUME_WORKER_INTERVAL_SEC", "resume_worker", "interval_sec", 60),
		},
		Log: LogConfig{
			Level:  getValue("LOG_LEVEL", "log", "level", "info"),
			Format: getValue("LOG_FORMAT", "log", "format", "text"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.StoreDriver {
	case StoreDriverRedis, StoreDriverMemory:
	case StoreDriverMySQL:
		if cfg.MySQL.DSN == "" {
			return fmt.Errorf("MYSQL_DSN is required when STORE_DRIVER=mysql")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.Poller.IntervalSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SEC must be positive")
	}
	return nil
}
