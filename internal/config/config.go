// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: one of debug, info, warn, error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - GRACEFUL_MODE: return defaults instead of errors (default "true").
//   - BANDIT_WEIGHTING: softmax or inverse_gap (default "softmax").
//   - FLAGS_CONFIG_PATH: flags payload loaded at startup.
//   - BANDITS_CONFIG_PATH, BANDIT_MODELS_PATH: bandit payloads loaded at
//     startup. Both require FLAGS_CONFIG_PATH.
//   - STREAM_POLL_INTERVAL: polling interval for SSE and gRPC streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - AUTH_RATE_LIMIT: failed admin authentications allowed per minute per
//     IP (default "10").
//   - ADMIN_API_KEYS: comma-separated keyID:hash pairs. Configuration
//     writes are disabled when empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultGRPCAddr                 = ":9090"
	defaultLogLevel                 = "info"
	defaultLogFormat                = "json"
	defaultBanditWeighting          = "softmax"
	defaultStreamPollInterval       = time.Second
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the assignz server.
type Config struct {
	HTTPAddr           string        `env:"HTTP_ADDR" validate:"required"`
	GRPCAddr           string        `env:"GRPC_ADDR" validate:"required"`
	LogLevel           string        `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat          string        `env:"LOG_FORMAT" validate:"oneof=json text"`
	Graceful           bool          `env:"GRACEFUL_MODE"`
	BanditWeighting    string        `env:"BANDIT_WEIGHTING" validate:"oneof=softmax inverse_gap"`
	FlagsConfigPath    string        `env:"FLAGS_CONFIG_PATH"`
	BanditsConfigPath  string        `env:"BANDITS_CONFIG_PATH" validate:"excluded_without=FlagsConfigPath"`
	BanditModelsPath   string        `env:"BANDIT_MODELS_PATH" validate:"excluded_without=FlagsConfigPath"`
	StreamPollInterval time.Duration `env:"STREAM_POLL_INTERVAL" validate:"gt=0"`
	MaxJSONBodySize    int64         `env:"MAX_JSON_BODY_SIZE" validate:"gt=0"`
	AuthRateLimit      int           `env:"AUTH_RATE_LIMIT" validate:"gt=0"`
	AdminAPIKeys       string        `env:"ADMIN_API_KEYS"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("env")
	})
	return v
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a value cannot be parsed or fails
// validation.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:           envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:           envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:           strings.ToLower(envOrDefault("LOG_LEVEL", defaultLogLevel)),
		LogFormat:          strings.ToLower(envOrDefault("LOG_FORMAT", defaultLogFormat)),
		Graceful:           true,
		BanditWeighting:    strings.ToLower(envOrDefault("BANDIT_WEIGHTING", defaultBanditWeighting)),
		FlagsConfigPath:    strings.TrimSpace(os.Getenv("FLAGS_CONFIG_PATH")),
		BanditsConfigPath:  strings.TrimSpace(os.Getenv("BANDITS_CONFIG_PATH")),
		BanditModelsPath:   strings.TrimSpace(os.Getenv("BANDIT_MODELS_PATH")),
		StreamPollInterval: defaultStreamPollInterval,
		MaxJSONBodySize:    defaultMaxJSONBodySize,
		AuthRateLimit:      defaultAuthRateLimit,
		AdminAPIKeys:       strings.TrimSpace(os.Getenv("ADMIN_API_KEYS")),
	}

	if v := strings.TrimSpace(os.Getenv("GRACEFUL_MODE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse GRACEFUL_MODE: %w", err)
		}
		cfg.Graceful = parsed
	}

	if v := strings.TrimSpace(os.Getenv("STREAM_POLL_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_POLL_INTERVAL: %w", err)
		}
		cfg.StreamPollInterval = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if v := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		cfg.AuthRateLimit = n
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, validationError(err)
	}
	return cfg, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gt":
		return fmt.Errorf("%s must be > 0", fe.Field())
	case "excluded_without":
		return fmt.Errorf("%s requires FLAGS_CONFIG_PATH", fe.Field())
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
