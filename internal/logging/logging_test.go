package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriterFormats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"hello"`},
		{format: "", want: `"msg":"hello"`},
		{format: "yaml", want: `"msg":"hello"`},
		{format: "text", want: "msg=hello"},
		{format: "TEXT", want: "msg=hello"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewWithWriter("info", tt.format, &buf)
			log.Info("hello", "key", "value")

			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestNewWithWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", "json", &buf)
	log.Info("dropped")
	log.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}
