package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  public_url: https://gw.example.com
  dev_mode: true
  session_store_path: /var/lib/authgate/sessions
  idp:
    host: idp.example.com
    network_timeout: 5s
locations:
  - path: /app/
    backend: http://127.0.0.1:9000
    authorization_group: science-app
    client_id: app-client
    client_secret: app-secret
    callback_url: https://gw.example.com/app/redirect_uri
    logout_url: /app/logout
    idle_timeout: 600
    active_timeout: 43200
    check_ip_octets: 2
    profile_attrs:
      email: X-Urs-Email
  - path: /app/public/
    backend: http://127.0.0.1:9001
    authorization_group: public-app
    client_id: pub-client
    client_secret: pub-secret
    anonymous_user: anonymous
    callback_url: https://gw.example.com/app/public/redirect_uri
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.IDP.Host != "idp.example.com" {
		t.Errorf("idp host = %q", cfg.Server.IDP.Host)
	}
	if cfg.Server.IDP.Port != 443 {
		t.Errorf("idp port should default to 443, got %d", cfg.Server.IDP.Port)
	}
	if cfg.Server.IDP.Timeout() != 5*time.Second {
		t.Errorf("network timeout = %v", cfg.Server.IDP.Timeout())
	}

	if len(cfg.Locations) != 2 {
		t.Fatalf("locations = %d, want 2", len(cfg.Locations))
	}
	loc := &cfg.Locations[0]
	if loc.CallbackPath() != "/app/redirect_uri" || loc.CallbackHost() != "gw.example.com" {
		t.Errorf("callback parts = %q %q", loc.CallbackPath(), loc.CallbackHost())
	}
	if loc.ProfileAttrs["email"] != "X-Urs-Email" {
		t.Errorf("profile_attrs = %v", loc.ProfileAttrs)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(sampleConfig, "dev_mode: true", "dev_mode: true\n  surprise: 1", 1)
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestNetworkTimeoutDefault(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "network_timeout: 5s", "", 1)
	loaded, err := LoadConfig(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.IDP.Timeout() != DefaultNetworkTimeout {
		t.Errorf("timeout = %v, want default", loaded.Server.IDP.Timeout())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGATE_IDP_HOST", "staging-idp.example.com")
	t.Setenv("AUTHGATE_SESSION_STORE_PATH", "/tmp/authgate-test-sessions")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.IDP.Host != "staging-idp.example.com" {
		t.Errorf("env override not applied, host = %q", cfg.Server.IDP.Host)
	}
	if cfg.Server.SessionStorePath != "/tmp/authgate-test-sessions" {
		t.Errorf("env override not applied, path = %q", cfg.Server.SessionStorePath)
	}
}

func TestClientSecretFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	cfg := strings.Replace(sampleConfig,
		"client_secret: app-secret",
		"client_secret_file: "+secretPath, 1)
	loaded, err := LoadConfig(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Locations[0].ClientSecret != "from-file" {
		t.Errorf("secret = %q, want trimmed file content", loaded.Locations[0].ClientSecret)
	}
}

func TestClientSecretFileRejectsLoosePermissions(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretPath, []byte("leaky"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	cfg := strings.Replace(sampleConfig,
		"client_secret: app-secret",
		"client_secret_file: "+secretPath, 1)
	if _, err := LoadConfig(writeConfig(t, cfg)); err == nil {
		t.Fatal("world-readable secret file should be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"missing_idp_host",
			func(s string) string { return strings.Replace(s, "host: idp.example.com", "host: ''", 1) },
			"idp.host",
		},
		{
			"missing_backend",
			func(s string) string { return strings.Replace(s, "backend: http://127.0.0.1:9000", "backend: ''", 1) },
			"backend",
		},
		{
			"missing_client_secret",
			func(s string) string { return strings.Replace(s, "client_secret: app-secret", "client_secret: ''", 1) },
			"client_secret",
		},
		{
			"relative_location_path",
			func(s string) string { return strings.Replace(s, "path: /app/\n", "path: app/\n", 1) },
			"absolute",
		},
		{
			"duplicate_callback",
			func(s string) string {
				return strings.Replace(s,
					"callback_url: https://gw.example.com/app/public/redirect_uri",
					"callback_url: https://gw.example.com/app/redirect_uri", 1)
			},
			"already registered",
		},
		{
			"octets_out_of_range",
			func(s string) string { return strings.Replace(s, "check_ip_octets: 2", "check_ip_octets: 5", 1) },
			"check_ip_octets",
		},
		{
			"negative_timeout",
			func(s string) string { return strings.Replace(s, "idle_timeout: 600", "idle_timeout: -1", 1) },
			"negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.mutate(sampleConfig)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestCookieName(t *testing.T) {
	tests := []struct {
		group string
		want  string
	}{
		{"science-app", "science_app"},
		{"App_01", "App_01"},
		{"a b;c", "a_b_c"},
	}
	for _, tt := range tests {
		loc := &LocationConfig{AuthorizationGroup: tt.group}
		if got := loc.CookieName(); got != tt.want {
			t.Errorf("CookieName(%q) = %q, want %q", tt.group, got, tt.want)
		}
	}
}

func TestLocationFor(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	// Longest prefix wins.
	if loc := cfg.LocationFor("/app/public/data"); loc == nil || loc.Path != "/app/public/" {
		t.Errorf("LocationFor(/app/public/data) = %v", loc)
	}
	if loc := cfg.LocationFor("/app/data"); loc == nil || loc.Path != "/app/" {
		t.Errorf("LocationFor(/app/data) = %v", loc)
	}
	if loc := cfg.LocationFor("/other"); loc != nil {
		t.Errorf("LocationFor(/other) = %v, want nil", loc)
	}
}

func TestCallbackFor(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if loc := cfg.CallbackFor("gw.example.com", "/app/redirect_uri"); loc == nil || loc.Path != "/app/" {
		t.Errorf("CallbackFor = %v", loc)
	}
	// Host must match as well as path.
	if loc := cfg.CallbackFor("evil.example.com", "/app/redirect_uri"); loc != nil {
		t.Errorf("CallbackFor with wrong host = %v", loc)
	}
	if loc := cfg.CallbackFor("gw.example.com", "/app/redirect_uri/extra"); loc != nil {
		t.Errorf("CallbackFor with wrong path = %v", loc)
	}
}

func TestPolicy(t *testing.T) {
	loc := &LocationConfig{IdleTimeout: 600, ActiveTimeout: 43200, CheckIPOctets: 2}
	p := loc.Policy()
	if p.IdleTimeout != 600*time.Second || p.ActiveTimeout != 43200*time.Second || p.CheckIPOctets != 2 {
		t.Errorf("policy = %+v", p)
	}
}
