package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateflow GateflowConfig `yaml:"gateflow"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Channels ChannelsConfig `yaml:"channels"`
	Recorder RecorderConfig `yaml:"recorder"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GateflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type GatewayConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	ClientID       int64           `yaml:"client_id"`
	Transport      string          `yaml:"transport"`
	URL            string          `yaml:"url"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	StartOrderID   int64           `yaml:"start_order_id"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// TransportTCP and TransportWebsocket are the recognised gateway.transport
// values.
const (
	TransportTCP       = "tcp"
	TransportWebsocket = "websocket"
)

const defaultConfigPath = "config.yaml"

var envConfigPaths = map[string]string{
	environmentProduction: "config.production.yaml",
	environmentStaging:    "config.staging.yaml",
}

func LoadConfig(path string) (*Config, error) {
	// Load environment variables from .env if present; a missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Gateway: GatewayConfig{
			Transport:      TransportTCP,
			ConnectTimeout: 10 * time.Second,
			PingInterval:   20 * time.Second,
			StartOrderID:   1,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 45,
				BurstSize:         10,
			},
		},
		Channels: ChannelsConfig{EventBuffer: 1024},
		Recorder: RecorderConfig{
			BatchSize:     500,
			FlushInterval: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if config.Logging.Level == "" {
		if IsProductionLike(AppEnvironment()) {
			config.Logging.Level = "info"
		} else {
			config.Logging.Level = "debug"
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gateflow.Name == "" {
		return fmt.Errorf("gateflow.name is required")
	}

	if cfg.Gateflow.Version == "" {
		return fmt.Errorf("gateflow.version is required")
	}

	switch cfg.Gateway.Transport {
	case TransportTCP:
		if cfg.Gateway.Host == "" {
			return fmt.Errorf("gateway.host is required for the tcp transport")
		}
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			return fmt.Errorf("gateway.port %d is out of range", cfg.Gateway.Port)
		}
	case TransportWebsocket:
		if cfg.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("gateway.transport '%s' is not supported", cfg.Gateway.Transport)
	}

	if cfg.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway.client_id must not be negative")
	}

	if cfg.Gateway.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.BatchSize <= 0 {
			return fmt.Errorf("recorder.batch_size must be greater than 0")
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
