package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	DatabasePath      string   `yaml:"databasePath"`
	LogLevel          string   `yaml:"logLevel"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	RemoteBaseURL     string   `yaml:"remoteBaseURL"`
	RemoteToken       string   `yaml:"remoteToken"`
	CacheEntries      int      `yaml:"cacheEntries"`
	BatchLimit        int      `yaml:"batchLimit"`
	DwellSeconds      int      `yaml:"dwellSeconds"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("READER_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("READER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("READER_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("READER_REMOTE_BASE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("READER_REMOTE_TOKEN"); v != "" {
		cfg.RemoteToken = v
	}
	if v := os.Getenv("READER_CACHE_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheEntries = n
		}
	}
	if v := os.Getenv("READER_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchLimit = n
		}
	}
	if v := os.Getenv("READER_DWELL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DwellSeconds = n
		}
	}
	if v := os.Getenv("READER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("READER_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabasePath == "" {
		return errors.New("config: databasePath is required (set in config.yaml)")
	}
	if cfg.RemoteBaseURL == "" {
		return errors.New("config: remoteBaseURL is required (set in config.yaml or READER_REMOTE_BASE_URL)")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
