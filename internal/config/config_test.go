package config

import (
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"HTTP_ADDR", "GRPC_ADDR", "LOG_LEVEL", "LOG_FORMAT", "GRACEFUL_MODE",
	"BANDIT_WEIGHTING", "FLAGS_CONFIG_PATH", "BANDITS_CONFIG_PATH", "BANDIT_MODELS_PATH",
	"STREAM_POLL_INTERVAL", "MAX_JSON_BODY_SIZE", "AUTH_RATE_LIMIT", "ADMIN_API_KEYS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want info/json", cfg.LogLevel, cfg.LogFormat)
	}
	if !cfg.Graceful {
		t.Error("Graceful = false, want true")
	}
	if cfg.BanditWeighting != "softmax" {
		t.Errorf("BanditWeighting = %q, want softmax", cfg.BanditWeighting)
	}
	if cfg.StreamPollInterval != time.Second {
		t.Errorf("StreamPollInterval = %v, want 1s", cfg.StreamPollInterval)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.FlagsConfigPath != "" || cfg.AdminAPIKeys != "" {
		t.Errorf("unexpected optional values: %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", " :18080 ")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("GRACEFUL_MODE", "false")
	t.Setenv("BANDIT_WEIGHTING", "inverse_gap")
	t.Setenv("FLAGS_CONFIG_PATH", "/etc/assignz/flags.json")
	t.Setenv("BANDIT_MODELS_PATH", "/etc/assignz/models.json")
	t.Setenv("STREAM_POLL_INTERVAL", "250ms")
	t.Setenv("MAX_JSON_BODY_SIZE", "4096")
	t.Setenv("AUTH_RATE_LIMIT", "3")
	t.Setenv("ADMIN_API_KEYS", "ops:hash")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":18080" {
		t.Errorf("HTTPAddr = %q, want :18080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Errorf("log = %q/%q, want debug/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Graceful {
		t.Error("Graceful = true, want false")
	}
	if cfg.BanditWeighting != "inverse_gap" {
		t.Errorf("BanditWeighting = %q", cfg.BanditWeighting)
	}
	if cfg.FlagsConfigPath != "/etc/assignz/flags.json" || cfg.BanditModelsPath != "/etc/assignz/models.json" {
		t.Errorf("paths = %q, %q", cfg.FlagsConfigPath, cfg.BanditModelsPath)
	}
	if cfg.StreamPollInterval != 250*time.Millisecond {
		t.Errorf("StreamPollInterval = %v", cfg.StreamPollInterval)
	}
	if cfg.MaxJSONBodySize != 4096 || cfg.AuthRateLimit != 3 {
		t.Errorf("limits = %d, %d", cfg.MaxJSONBodySize, cfg.AuthRateLimit)
	}
	if cfg.AdminAPIKeys != "ops:hash" {
		t.Errorf("AdminAPIKeys = %q", cfg.AdminAPIKeys)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad poll interval", env: map[string]string{"STREAM_POLL_INTERVAL": "not-a-duration"}, wantErr: "parse STREAM_POLL_INTERVAL"},
		{name: "zero poll interval", env: map[string]string{"STREAM_POLL_INTERVAL": "0s"}, wantErr: "STREAM_POLL_INTERVAL must be > 0"},
		{name: "negative poll interval", env: map[string]string{"STREAM_POLL_INTERVAL": "-1s"}, wantErr: "STREAM_POLL_INTERVAL must be > 0"},
		{name: "bad body size", env: map[string]string{"MAX_JSON_BODY_SIZE": "big"}, wantErr: "MAX_JSON_BODY_SIZE"},
		{name: "zero body size", env: map[string]string{"MAX_JSON_BODY_SIZE": "0"}, wantErr: "MAX_JSON_BODY_SIZE must be > 0"},
		{name: "bad rate limit", env: map[string]string{"AUTH_RATE_LIMIT": "x"}, wantErr: "parse AUTH_RATE_LIMIT"},
		{name: "negative rate limit", env: map[string]string{"AUTH_RATE_LIMIT": "-2"}, wantErr: "AUTH_RATE_LIMIT must be > 0"},
		{name: "bad graceful", env: map[string]string{"GRACEFUL_MODE": "sometimes"}, wantErr: "parse GRACEFUL_MODE"},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "trace"}, wantErr: "LOG_LEVEL must be one of"},
		{name: "bad log format", env: map[string]string{"LOG_FORMAT": "xml"}, wantErr: "LOG_FORMAT must be one of"},
		{name: "bad weighting", env: map[string]string{"BANDIT_WEIGHTING": "greedy"}, wantErr: "BANDIT_WEIGHTING must be one of"},
		{name: "models without flags", env: map[string]string{"BANDIT_MODELS_PATH": "models.json"}, wantErr: "BANDIT_MODELS_PATH requires FLAGS_CONFIG_PATH"},
		{name: "bandits without flags", env: map[string]string{"BANDITS_CONFIG_PATH": "bandits.json"}, wantErr: "BANDITS_CONFIG_PATH requires FLAGS_CONFIG_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil, want non-nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
