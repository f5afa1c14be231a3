package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded defaults applied before the YAML file is read.
const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultIdleTimeout    = 600
	DefaultActiveTimeout  = 43200
	DefaultSessionDirMode = 0o700
)

// Config captures the full gateway configuration loaded from YAML and
// environment overrides. It is immutable after LoadConfig returns.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Locations []LocationConfig `yaml:"locations"`
}

// ServerConfig controls listeners, session storage, and the identity provider.
type ServerConfig struct {
	PublicURL        string    `yaml:"public_url"`
	DevListenAddr    string    `yaml:"dev_listen_addr"`
	HTTPListenAddr   string    `yaml:"http_listen_addr"`
	HTTPSListenAddr  string    `yaml:"https_listen_addr"`
	DevMode          bool      `yaml:"dev_mode"`
	SessionStorePath string    `yaml:"session_store_path"`
	TLS              TLSConfig `yaml:"tls"`
	IDP              IDPConfig `yaml:"idp"`
}

// TLSConfig defines autocert behaviour for the gateway's own listeners.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// IDPConfig addresses the single remote identity provider. All token
// exchanges and profile fetches go to this host over TLS.
type IDPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AuthPath       string `yaml:"auth_path"`
	TokenPath      string `yaml:"token_path"`
	NetworkTimeout string `yaml:"network_timeout"`

	timeout time.Duration
}

// Timeout returns the parsed network timeout for IDP connections.
func (c IDPConfig) Timeout() time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return DefaultNetworkTimeout
}

// LocationConfig describes one protected location and the application
// registration that authenticates it.
type LocationConfig struct {
	Path               string            `yaml:"path"`
	Backend            string            `yaml:"backend"`
	AuthorizationGroup string            `yaml:"authorization_group"`
	ClientID           string            `yaml:"client_id"`
	ClientSecret       string            `yaml:"client_secret"`
	ClientSecretFile   string            `yaml:"client_secret_file"`
	AnonymousUser      string            `yaml:"anonymous_user"`
	CallbackURL        string            `yaml:"callback_url"`
	LogoutURL          string            `yaml:"logout_url"`
	IdleTimeout        int64             `yaml:"idle_timeout"`
	ActiveTimeout      int64             `yaml:"active_timeout"`
	CheckIPOctets      int               `yaml:"check_ip_octets"`
	SplashDisable      bool              `yaml:"splash_disable"`
	ProfileAttrs       map[string]string `yaml:"profile_attrs"`
	AccessErrorURL     string            `yaml:"access_error_url"`

	callbackPath string
	callbackHost string
}

// CookieName derives the session cookie name from the authorization group.
func (l *LocationConfig) CookieName() string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, l.AuthorizationGroup)
	return name
}

// Policy returns the session validation policy for this location.
func (l *LocationConfig) Policy() SessionPolicy {
	return SessionPolicy{
		IdleTimeout:   time.Duration(l.IdleTimeout) * time.Second,
		ActiveTimeout: time.Duration(l.ActiveTimeout) * time.Second,
		CheckIPOctets: l.CheckIPOctets,
	}
}

// CallbackPath returns the path component of the registered callback URL.
func (l *LocationConfig) CallbackPath() string { return l.callbackPath }

// CallbackHost returns the host component of the registered callback URL.
func (l *LocationConfig) CallbackHost() string { return l.callbackHost }

// LoadConfig reads the YAML config file, applies environment overrides,
// resolves secret files, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:        "http://127.0.0.1:8080",
			DevListenAddr:    "127.0.0.1:8080",
			HTTPListenAddr:   ":80",
			HTTPSListenAddr:  ":443",
			DevMode:          true,
			SessionStorePath: "./sessions",
			TLS: TLSConfig{
				MinVersion: "1.2",
			},
			IDP: IDPConfig{
				Port:      443,
				AuthPath:  "/oauth/authorize",
				TokenPath: "/oauth/token",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_DEV_LISTEN_ADDR":    func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_HTTP_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHGATE_HTTPS_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHGATE_DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_SESSION_STORE_PATH": func(v string) { cfg.Server.SessionStorePath = v },
		"AUTHGATE_IDP_HOST":           func(v string) { cfg.Server.IDP.Host = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// resolve completes derived fields: network timeout, callback URL parts, and
// client secrets read from restricted files.
func (c *Config) resolve() error {
	if c.Server.IDP.NetworkTimeout != "" {
		d, err := time.ParseDuration(c.Server.IDP.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("server.idp.network_timeout: %w", err)
		}
		c.Server.IDP.timeout = d
	}

	for i := range c.Locations {
		loc := &c.Locations[i]

		if loc.CallbackURL != "" {
			u, err := url.Parse(loc.CallbackURL)
			if err != nil {
				return fmt.Errorf("locations[%d].callback_url: %w", i, err)
			}
			loc.callbackPath = u.Path
			loc.callbackHost = u.Host
		}

		if loc.ClientSecretFile != "" {
			secret, err := readSecretFile(loc.ClientSecretFile)
			if err != nil {
				return fmt.Errorf("locations[%d].client_secret_file: %w", i, err)
			}
			loc.ClientSecret = secret
		}
	}
	return nil
}

// readSecretFile loads a client secret from a file that must not be readable
// by group or other.
func readSecretFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("secret file %s must not be group or world accessible", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Server.SessionStorePath == "" {
		return errors.New("server.session_store_path is required")
	}
	if c.Server.IDP.Host == "" {
		return errors.New("server.idp.host is required")
	}
	if c.Server.IDP.Port <= 0 || c.Server.IDP.Port > 65535 {
		return fmt.Errorf("server.idp.port out of range: %d", c.Server.IDP.Port)
	}
	if !strings.HasPrefix(c.Server.IDP.AuthPath, "/") {
		return fmt.Errorf("server.idp.auth_path must be absolute, got: %s", c.Server.IDP.AuthPath)
	}
	if !strings.HasPrefix(c.Server.IDP.TokenPath, "/") {
		return fmt.Errorf("server.idp.token_path must be absolute, got: %s", c.Server.IDP.TokenPath)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if len(c.Locations) == 0 {
		return errors.New("at least one location must be configured")
	}

	seenCallbacks := make(map[string]string)
	for i, loc := range c.Locations {
		if loc.Path == "" || !strings.HasPrefix(loc.Path, "/") {
			return fmt.Errorf("locations[%d].path must be absolute, got: %s", i, loc.Path)
		}
		if loc.Backend == "" {
			return fmt.Errorf("locations[%d] (%s): backend is required", i, loc.Path)
		}
		if !strings.HasPrefix(loc.Backend, "http://") && !strings.HasPrefix(loc.Backend, "https://") {
			return fmt.Errorf("locations[%d] (%s): backend must start with http:// or https://", i, loc.Path)
		}
		if loc.AuthorizationGroup == "" {
			return fmt.Errorf("locations[%d] (%s): authorization_group is required", i, loc.Path)
		}
		if loc.ClientID == "" {
			return fmt.Errorf("locations[%d] (%s): client_id is required", i, loc.Path)
		}
		if loc.ClientSecret == "" {
			return fmt.Errorf("locations[%d] (%s): client_secret or client_secret_file is required", i, loc.Path)
		}
		if loc.CallbackURL == "" {
			return fmt.Errorf("locations[%d] (%s): callback_url is required", i, loc.Path)
		}
		if !strings.HasPrefix(loc.CallbackURL, "http://") && !strings.HasPrefix(loc.CallbackURL, "https://") {
			return fmt.Errorf("locations[%d] (%s): callback_url must start with http:// or https://", i, loc.Path)
		}
		if prev, dup := seenCallbacks[loc.CallbackURL]; dup {
			return fmt.Errorf("locations[%d] (%s): callback_url already registered for location %s", i, loc.Path, prev)
		}
		seenCallbacks[loc.CallbackURL] = loc.Path
		if loc.IdleTimeout < 0 || loc.ActiveTimeout < 0 {
			return fmt.Errorf("locations[%d] (%s): timeouts must not be negative", i, loc.Path)
		}
		if loc.CheckIPOctets < 0 || loc.CheckIPOctets > 4 {
			return fmt.Errorf("locations[%d] (%s): check_ip_octets must be 0..4", i, loc.Path)
		}
	}
	return nil
}

// CallbackFor resolves a request URL against the registered callback URLs.
// The callback hook runs before per-location dispatch, so resolution works
// from the URL alone: host and path must both match exactly.
func (c *Config) CallbackFor(host, path string) *LocationConfig {
	for i := range c.Locations {
		loc := &c.Locations[i]
		if loc.callbackPath == path && loc.callbackHost == host {
			return loc
		}
	}
	return nil
}

// LocationFor returns the location owning the longest matching path prefix.
func (c *Config) LocationFor(path string) *LocationConfig {
	var best *LocationConfig
	for i := range c.Locations {
		loc := &c.Locations[i]
		if !strings.HasPrefix(path, loc.Path) {
			continue
		}
		if best == nil || len(loc.Path) > len(best.Path) {
			best = loc
		}
	}
	return best
}
