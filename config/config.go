package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Trackd   TrackdConfig   `yaml:"trackd"`
	Driver   DriverConfig   `yaml:"driver"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	PointAppendedTopicName string `yaml:"point_appended_topic_name"`
}

type TrackdConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	ValidationTTLSeconds   int `yaml:"validation_ttl_seconds"`
	LastPositionTTLSeconds int `yaml:"last_position_ttl_seconds"`

	LocationRateLimitPerMinute int `yaml:"location_rate_limit_per_minute"`
}

type DriverConfig struct {
	ServerURL       string `yaml:"server_url"`
	ControlHTTPAddr string `yaml:"control_http_addr"`
	StateDir        string `yaml:"state_dir"`

	UpdateIntervalSeconds int `yaml:"update_interval_seconds"`

	GPSAgentBaseURL        string `yaml:"gps_agent_base_url"`
	GPSHighAccuracy        bool   `yaml:"gps_high_accuracy"`
	GPSTimeoutSeconds      int    `yaml:"gps_timeout_seconds"`
	GPSMaxSampleAgeSeconds int    `yaml:"gps_max_sample_age_seconds"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
