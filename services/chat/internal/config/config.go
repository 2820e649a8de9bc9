package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

// StorageConfig selects the durable backend for session state.
type StorageConfig struct {
	Driver         string `yaml:"driver"`
	Dir            string `yaml:"dir"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisPrefix    string `yaml:"redisPrefix"`
	SQLitePath     string `yaml:"sqlitePath"`
	DatabaseURL    string `yaml:"databaseURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string        `yaml:"port"`
	LogLevel                   string        `yaml:"logLevel"`
	QueryServiceURL            string        `yaml:"queryServiceURL"`
	QueryTimeout               string        `yaml:"queryTimeout"`
	TopK                       int           `yaml:"topK"`
	MinScore                   *float64      `yaml:"minScore"`
	StreamDelayMs              int           `yaml:"streamDelayMs"`
	StorageKey                 string        `yaml:"storageKey"`
	SaveDebounceMs             int           `yaml:"saveDebounceMs"`
	Storage                    StorageConfig `yaml:"storage"`
	RedisAddr                  string        `yaml:"redisAddr"`
	RedisPassword              string        `yaml:"redisPassword"`
	AskRateLimitPerMinute      int           `yaml:"askRateLimitPerMinute"`
	TrustedProxyCIDRs          []string      `yaml:"trustedProxyCidrs"`
	AllowedOrigins             []string      `yaml:"allowedOrigins"`
	ServiceTokenPrivateKeyPath string        `yaml:"serviceTokenPrivateKeyPath"`
	ServiceTokenKeyID          string        `yaml:"serviceTokenKeyID"`
	ServiceTokenIssuer         string        `yaml:"serviceTokenIssuer"`
	ServiceTokenAudience       string        `yaml:"serviceTokenAudience"`
}

// Load reads config from path (defaults to config.yaml). A missing file is
// allowed when the environment supplies the required values.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_QUERY_SERVICE_URL"); v != "" {
		cfg.QueryServiceURL = v
	}
	if v := os.Getenv("CHAT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("CHAT_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("CHAT_MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.MinioSecretKey = v
	}
	if v := os.Getenv("CHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CHAT_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("CHAT_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.MinScore = &f
		}
	}
	if v := os.Getenv("CHAT_ASK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AskRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_SERVICE_TOKEN_PRIVATE_KEY_PATH"); v != "" {
		cfg.ServiceTokenPrivateKeyPath = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8083"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueryTimeout == "" {
		cfg.QueryTimeout = "60s"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore == nil {
		minScore := 0.3
		cfg.MinScore = &minScore
	}
	if cfg.StreamDelayMs <= 0 {
		cfg.StreamDelayMs = 30
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = "chat_sessions"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.ServiceTokenAudience == "" {
		cfg.ServiceTokenAudience = "query"
	}
	if cfg.ServiceTokenIssuer == "" {
		cfg.ServiceTokenIssuer = "chat"
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.QueryServiceURL) == "" {
		return errors.New("config: queryServiceURL is required (set in config.yaml or CHAT_QUERY_SERVICE_URL)")
	}
	if _, err := ParseQueryTimeout(cfg.QueryTimeout); err != nil {
		return err
	}
	if cfg.MinScore != nil && (*cfg.MinScore < 0 || *cfg.MinScore > 1) {
		return errors.New("config: minScore must be within [0, 1]")
	}
	if cfg.SaveDebounceMs < 0 {
		return errors.New("config: saveDebounceMs must not be negative")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "file", "memory":
	case "redis":
		if cfg.Storage.RedisAddr == "" && cfg.RedisAddr == "" {
			return errors.New("config: storage.redisAddr is required for the redis driver")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return errors.New("config: storage.sqlitePath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			return errors.New("config: storage.databaseURL is required for the postgres driver")
		}
	case "minio":
		if cfg.Storage.MinioEndpoint == "" || cfg.Storage.MinioBucket == "" {
			return errors.New("config: storage.minioEndpoint and storage.minioBucket are required for the minio driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.AskRateLimitPerMinute < 0 {
		return errors.New("config: askRateLimitPerMinute must not be negative")
	}
	return nil
}

// ParseQueryTimeout parses the queryTimeout duration string.
func ParseQueryTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid queryTimeout %q", raw)
	}
	return d, nil
}

// StreamDelay returns the per-word streaming delay.
func (c FileConfig) StreamDelay() time.Duration {
	return time.Duration(c.StreamDelayMs) * time.Millisecond
}

// SaveDebounce returns the persistence debounce interval.
func (c FileConfig) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}
