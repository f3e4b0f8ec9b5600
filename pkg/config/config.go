package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIURL          = "http://localhost:8000"
	DefaultAPITimeout      = 15 * time.Second
	DefaultRateLimit       = 10.0
	DefaultRateBurst       = 20
	DefaultWaitingInterval = 3 * time.Second
	DefaultActiveInterval  = 10 * time.Second
	DefaultTypingTTL       = 5 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultPingTimeout     = 5 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultReadLimit       = 1 << 20
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultDebugBind       = "127.0.0.1:4590"
	DefaultLogLevel        = "info"
)

// Config represents the complete swarmchat client configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Poll    PollConfig    `yaml:"poll"`
	Channel ChannelConfig `yaml:"channel"`
	Logging LoggingConfig `yaml:"logging"`
	State   StateConfig   `yaml:"state"`
	Debug   DebugConfig   `yaml:"debug"`
	Tracing TracingConfig `yaml:"tracing"`
}

// APIConfig points the client at the session-management service.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	WSURL     string        `yaml:"ws_url"` // Defaults to BaseURL with a ws scheme
	Token     string        `yaml:"token"`  // Optional bearer token
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // Requests per second
	Burst     int           `yaml:"burst"`
}

// WebsocketURL returns the push-channel base URL.
func (a APIConfig) WebsocketURL() string {
	if ws := strings.TrimRight(strings.TrimSpace(a.WSURL), "/"); ws != "" {
		return ws
	}
	base := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// PollConfig sets the reconciliation cadence per phase.
type PollConfig struct {
	WaitingInterval time.Duration `yaml:"waiting_interval"`
	ActiveInterval  time.Duration `yaml:"active_interval"`
}

// ChannelConfig tunes the push connections.
type ChannelConfig struct {
	TypingTTL    time.Duration   `yaml:"typing_ttl"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	PingTimeout  time.Duration   `yaml:"ping_timeout"`
	DialTimeout  time.Duration   `yaml:"dial_timeout"`
	ReadLimit    int64           `yaml:"read_limit"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig enables backoff redial after an unexpected disconnect.
// Disabled by default: a dropped channel stays down until identity changes.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// StateConfig controls the resume snapshot database.
type StateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DebugConfig controls the local /healthz, /metrics and /state server.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return ".swarmchat"
	}
	return filepath.Join(home, ".swarmchat")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	dir := baseDir()
	return &Config{
		API: APIConfig{
			BaseURL:   DefaultAPIURL,
			Timeout:   DefaultAPITimeout,
			RateLimit: DefaultRateLimit,
			Burst:     DefaultRateBurst,
		},
		Poll: PollConfig{
			WaitingInterval: DefaultWaitingInterval,
			ActiveInterval:  DefaultActiveInterval,
		},
		Channel: ChannelConfig{
			TypingTTL:    DefaultTypingTTL,
			PingInterval: DefaultPingInterval,
			PingTimeout:  DefaultPingTimeout,
			DialTimeout:  DefaultDialTimeout,
			ReadLimit:    DefaultReadLimit,
			Reconnect: ReconnectConfig{
				Enabled:        false,
				InitialBackoff: DefaultInitialBackoff,
				MaxBackoff:     DefaultMaxBackoff,
			},
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(dir, "logs"),
			Level: DefaultLogLevel,
		},
		State: StateConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "state.db"),
		},
		Debug: DebugConfig{
			Bind: DefaultDebugBind,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// ~/.swarmchat/config.yaml
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".swarmchat", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading user config").WithContext("path", userConfigPath)
		}
	}

	// ./.swarmchat/config.yaml
	projectConfigPath := filepath.Join(".", ".swarmchat", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading project config").WithContext("path", projectConfigPath)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading config").WithContext("path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARMCHAT_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("SWARMCHAT_WS_URL"); v != "" {
		cfg.API.WSURL = v
	}
	if v := os.Getenv("SWARMCHAT_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("SWARMCHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SWARMCHAT_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("SWARMCHAT_DEBUG_BIND"); v != "" {
		cfg.Debug.Bind = v
		cfg.Debug.Enabled = true
	}
	if val, ok := envBool("SWARMCHAT_RECONNECT"); ok {
		cfg.Channel.Reconnect.Enabled = val
	}
	if val, ok := envBool("SWARMCHAT_TRACING"); ok {
		cfg.Tracing.Enabled = val
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	switch strings.ToLower(host) {
	case "":
		return false
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

func invalidf(format string, args ...any) error {
	return errors.Newf(errors.ErrCodeConfigInvalid, format, args...)
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WebsocketURL(), "ws", "wss"); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return invalidf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.RateLimit < 0 {
		return invalidf("api.rate_limit must not be negative, got %v", c.API.RateLimit)
	}
	if c.API.RateLimit > 0 && c.API.Burst <= 0 {
		return invalidf("api.burst must be positive when rate_limit is set")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"poll.waiting_interval", c.Poll.WaitingInterval},
		{"poll.active_interval", c.Poll.ActiveInterval},
		{"channel.typing_ttl", c.Channel.TypingTTL},
		{"channel.ping_interval", c.Channel.PingInterval},
		{"channel.ping_timeout", c.Channel.PingTimeout},
		{"channel.dial_timeout", c.Channel.DialTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return invalidf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Channel.ReadLimit <= 0 {
		return invalidf("channel.read_limit must be positive, got %d", c.Channel.ReadLimit)
	}
	if c.Channel.Reconnect.Enabled {
		r := c.Channel.Reconnect
		if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
			return invalidf("channel.reconnect backoff must satisfy 0 < initial_backoff <= max_backoff")
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "logging.level")
	}
	if c.State.Enabled && strings.TrimSpace(c.State.Path) == "" {
		return invalidf("state.path is required when state is enabled")
	}
	if c.Debug.Enabled && !isLoopbackBindAddress(c.Debug.Bind) {
		return invalidf("debug.bind must be a loopback address, got %q", c.Debug.Bind)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, field).WithContext("value", raw)
	}
	if u.Host == "" {
		return invalidf("%s must be an absolute URL, got %q", field, raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return invalidf("%s scheme must be one of %s, got %q", field, strings.Join(schemes, ", "), u.Scheme)
}

// String renders a short summary for the CLI's startup log.
func (c *Config) String() string {
	return fmt.Sprintf("api=%s ws=%s reconnect=%t state=%t debug=%t",
		c.API.BaseURL, c.API.WebsocketURL(), c.Channel.Reconnect.Enabled, c.State.Enabled, c.Debug.Enabled)
}
