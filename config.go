package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	telemetryapp "power-desk/internal/telemetry/application"

	"gopkg.in/yaml.v3"
)

const maxBufferSize = 65535

type config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`

	MQTTURL         string   `yaml:"mqtt_url"`
	MQTTPrefix      string   `yaml:"mqtt_prefix"`
	MQTTClientID    string   `yaml:"mqtt_client_id"`
	MQTTUsername    string   `yaml:"mqtt_username"`
	MQTTPassword    string   `yaml:"mqtt_password"`
	BufferSize      int      `yaml:"buffer_size"`
	ProtectorTopics []string `yaml:"protector_topics"`

	RetryMode   string `yaml:"persist_retry_mode"`
	MaxAttempts int    `yaml:"persist_max_attempts"`

	StreamLiveness   time.Duration `yaml:"stream_liveness_interval"`
	StreamHeartbeat  time.Duration `yaml:"stream_heartbeat_interval"`
	StreamMaxPending int           `yaml:"stream_max_pending"`

	JWTSecret      string `yaml:"auth_jwt_secret"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`

	// envErrs holds malformed environment values that have no sentinel to
	// map to, reported by validate.
	envErrs []error
}

func defaultConfig() config {
	return config{
		HTTPAddr:         ":24081",
		MQTTPrefix:       "power-desk/",
		BufferSize:       1000,
		ProtectorTopics:  []string{"protector"},
		RetryMode:        string(telemetryapp.RetryPerItem),
		MaxAttempts:      telemetryapp.DefaultMaxAttempts,
		StreamLiveness:   time.Second,
		StreamHeartbeat:  15 * time.Second,
		StreamMaxPending: 4096,
		MigrateOnStart:   true,
	}
}

// loadConfig starts from defaults, applies CONFIG_FILE when set, then lets
// environment variables override individual keys.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.MQTTURL = getenvDefault("MQTT_URL", cfg.MQTTURL)
	cfg.MQTTPrefix = getenvDefault("MQTT_PREFIX", cfg.MQTTPrefix)
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTTClientID)
	cfg.MQTTUsername = getenvDefault("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getenvDefault("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.BufferSize = getenvIntDefault("MQTT_BUFFER_SIZE", cfg.BufferSize)
	if raw := os.Getenv("MQTT_PROTECTOR_TOPICS"); raw != "" {
		cfg.ProtectorTopics = splitCSV(raw)
	}
	cfg.RetryMode = getenvDefault("PERSIST_RETRY_MODE", cfg.RetryMode)
	cfg.MaxAttempts = getenvIntDefault("PERSIST_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.StreamLiveness = getenvDuration("STREAM_LIVENESS_INTERVAL", cfg.StreamLiveness)
	cfg.StreamHeartbeat = getenvDuration("STREAM_HEARTBEAT_INTERVAL", cfg.StreamHeartbeat)
	cfg.StreamMaxPending = getenvIntDefault("STREAM_MAX_PENDING", cfg.StreamMaxPending)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	migrate, err := getenvBool("MIGRATE_ON_START", cfg.MigrateOnStart)
	if err != nil {
		cfg.envErrs = append(cfg.envErrs, err)
	}
	cfg.MigrateOnStart = migrate

	return cfg, cfg.validate()
}

func (c config) validate() error {
	errs := append([]error(nil), c.envErrs...)
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL or PG_DSN is required"))
	}
	if c.MQTTURL == "" {
		errs = append(errs, errors.New("MQTT_URL is required"))
	}
	if c.BufferSize < 0 || c.BufferSize > maxBufferSize {
		errs = append(errs, fmt.Errorf("MQTT_BUFFER_SIZE must be within 0..%d, got %d", maxBufferSize, c.BufferSize))
	}
	if _, err := telemetryapp.ParseRetryMode(c.RetryMode); err != nil {
		errs = append(errs, err)
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	if c.StreamLiveness <= 0 {
		errs = append(errs, errors.New("STREAM_LIVENESS_INTERVAL must be positive"))
	}
	if c.StreamHeartbeat <= 0 {
		errs = append(errs, errors.New("STREAM_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.StreamMaxPending <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_MAX_PENDING must be positive, got %d", c.StreamMaxPending))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// getenvIntDefault keeps malformed values visible to validate by mapping
// them to -1 instead of silently using the fallback.
func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return -1
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}

func getenvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback, fmt.Errorf("%s must be a boolean, got %q", key, value)
	}
	return parsed, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
