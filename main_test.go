package main

import (
	"crypto/tls"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"err", slog.LevelError, false},
		{" info ", slog.LevelInfo, false},
		{"trace", 0, true},
	}

	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestMinTLSVersion(t *testing.T) {
	if got := minTLSVersion("1.3"); got != tls.VersionTLS13 {
		t.Errorf("minTLSVersion(1.3) = %x", got)
	}
	if got := minTLSVersion("1.2"); got != tls.VersionTLS12 {
		t.Errorf("minTLSVersion(1.2) = %x", got)
	}
	if got := minTLSVersion(""); got != tls.VersionTLS12 {
		t.Errorf("minTLSVersion(default) = %x", got)
	}
}
