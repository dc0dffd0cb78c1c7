package config

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/vango-dev/sockchain/internal/errors"
	"github.com/vango-dev/sockchain/pkg/server"
)

const (
	// FileName is the configuration file looked up in the working directory.
	FileName = "sockchain.json"

	DefaultPort    = 8080
	DefaultPath    = "/ws"
	DefaultChannel = "sockchain:broadcast"
)

// Modes select the demo chain the serve command installs.
const (
	ModeEcho      = "echo"
	ModeBroadcast = "broadcast"
)

// Duration is a time.Duration written as "30s" in JSON and the environment.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete sockchain.json schema.
type Config struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `json:"host,omitempty" env:"SOCKCHAIN_HOST"`

	Port int `json:"port,omitempty" env:"SOCKCHAIN_PORT,strict"`

	// Mode picks the demo chain: "echo" or "broadcast".
	Mode string `json:"mode,omitempty" env:"SOCKCHAIN_MODE"`

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed. The environment form separates entries with ';'.
	TrustedProxies []string `json:"trustedProxies,omitempty" env:"SOCKCHAIN_TRUSTED_PROXIES"`

	WebSocket WebSocketConfig `json:"websocket"`
	Log       LogConfig       `json:"log"`
	Metrics   MetricsConfig   `json:"metrics"`
	Tracing   TracingConfig   `json:"tracing"`
	Redis     RedisConfig     `json:"redis"`
	Archive   ArchiveConfig   `json:"archive"`

	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" env:"SOCKCHAIN_SHUTDOWN_TIMEOUT,strict"`

	path string
}

// WebSocketConfig holds the transport settings.
type WebSocketConfig struct {
	Path           string   `json:"path,omitempty" env:"SOCKCHAIN_WS_PATH"`
	MaxMessageSize int64    `json:"maxMessageSize,omitempty" env:"SOCKCHAIN_WS_MAX_MESSAGE_SIZE,strict"`
	WriteTimeout   Duration `json:"writeTimeout,omitempty" env:"SOCKCHAIN_WS_WRITE_TIMEOUT,strict"`

	// PingInterval of 0 disables heartbeats.
	PingInterval Duration `json:"pingInterval" env:"SOCKCHAIN_WS_PING_INTERVAL,strict"`

	// AllowAllOrigins disables the same-origin check.
	AllowAllOrigins bool `json:"allowAllOrigins,omitempty" env:"SOCKCHAIN_WS_ALLOW_ALL_ORIGINS,strict"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty" env:"SOCKCHAIN_LOG_LEVEL"`

	// Format is text or json.
	Format string `json:"format,omitempty" env:"SOCKCHAIN_LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled,omitempty" env:"SOCKCHAIN_METRICS,strict"`
	Path      string `json:"path,omitempty" env:"SOCKCHAIN_METRICS_PATH"`
	Namespace string `json:"namespace,omitempty" env:"SOCKCHAIN_METRICS_NAMESPACE"`
}

// TracingConfig controls the OpenTelemetry middleware.
type TracingConfig struct {
	Enabled bool `json:"enabled,omitempty" env:"SOCKCHAIN_TRACING,strict"`
}

// RedisConfig enables the cross-instance relay when Addr is set.
type RedisConfig struct {
	Addr    string `json:"addr,omitempty" env:"SOCKCHAIN_REDIS_ADDR"`
	Channel string `json:"channel,omitempty" env:"SOCKCHAIN_REDIS_CHANNEL"`
}

// ArchiveConfig enables S3 transcript uploads when Bucket is set.
type ArchiveConfig struct {
	Bucket string `json:"bucket,omitempty" env:"SOCKCHAIN_ARCHIVE_BUCKET"`
	Region string `json:"region,omitempty" env:"SOCKCHAIN_ARCHIVE_REGION"`
	Prefix string `json:"prefix,omitempty" env:"SOCKCHAIN_ARCHIVE_PREFIX"`

	// Endpoint overrides the S3 endpoint for compatible stores. Path-style
	// addressing is used when it is set.
	Endpoint string `json:"endpoint,omitempty" env:"SOCKCHAIN_ARCHIVE_ENDPOINT"`

	Payloads bool `json:"payloads,omitempty" env:"SOCKCHAIN_ARCHIVE_PAYLOADS,strict"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port: DefaultPort,
		Mode: ModeEcho,
		WebSocket: WebSocketConfig{
			Path:           DefaultPath,
			MaxMessageSize: 64 * 1024,
			WriteTimeout:   Duration(10 * time.Second),
			PingInterval:   Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "sockchain",
		},
		Redis: RedisConfig{
			Channel: DefaultChannel,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "transcripts/",
		},
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// Load returns defaults overlaid with the file at path and then the
// environment. An empty path tries FileName in the working directory and
// skips it if missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = FileName
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return errors.New("E120").Wrap(err).
			WithSuggestion("Pass --config with the path to a readable " + FileName)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.New("E121").
			WithDetailf("%s: %v", path, err).
			Wrap(err)
	}
	c.path = path
	return nil
}

// LoadEnv overlays any SOCKCHAIN_* variables that are set.
func (c *Config) LoadEnv() error {
	err := envdecode.Decode(c)
	if err == nil || stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	}
	return errors.New("E122").Wrap(err)
}

// Path returns the file the config was read from, or "".
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory of Path, or "".
func (c *Config) Dir() string {
	if c.path == "" {
		return ""
	}
	return filepath.Dir(c.path)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("E101").
			WithDetailf("port %d is out of range", c.Port).
			WithSuggestion("Use a port between 0 and 65535")
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return errors.New("E102").
			WithDetailf("path %q must start with /", c.WebSocket.Path)
	}
	if c.Metrics.Enabled && c.Metrics.Path == c.WebSocket.Path {
		return errors.New("E102").
			WithDetailf("metrics and WebSocket both use %q", c.Metrics.Path)
	}
	if c.WebSocket.MaxMessageSize < 0 {
		return errors.New("E104").
			WithDetailf("maxMessageSize %d is negative", c.WebSocket.MaxMessageSize)
	}
	for name, d := range map[string]Duration{
		"websocket.writeTimeout": c.WebSocket.WriteTimeout,
		"websocket.pingInterval": c.WebSocket.PingInterval,
		"shutdownTimeout":        c.ShutdownTimeout,
	} {
		if d < 0 {
			return errors.New("E103").WithDetailf("%s is negative (%s)", name, d.Std())
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New("E106").
			WithDetailf("format %q", c.Log.Format).
			WithSuggestion("Use text or json")
	}
	switch c.Mode {
	case ModeEcho, ModeBroadcast:
	default:
		return errors.New("E107").
			WithDetailf("mode %q", c.Mode).
			WithSuggestion("Use echo or broadcast")
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			return errors.New("E108").WithDetailf("%q is neither an IP nor a CIDR", p)
		}
	}
	return nil
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, errors.New("E105").
			WithDetailf("level %q", c.Log.Level).
			WithSuggestion("Use debug, info, warn or error")
	}
	return level, nil
}

// ToServerConfig converts the settings into a server.Config. Hooks such
// as OnError, Routes and Transport are left for the caller.
func (c *Config) ToServerConfig() *server.Config {
	sc := server.DefaultConfig()
	sc.Host = c.Host
	sc.Port = c.Port
	sc.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	if c.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = c.ShutdownTimeout.Std()
	}

	ws := &sc.WebSocket
	if c.WebSocket.Path != "" {
		ws.Path = c.WebSocket.Path
	}
	if c.WebSocket.MaxMessageSize > 0 {
		ws.MaxMessageSize = c.WebSocket.MaxMessageSize
	}
	if c.WebSocket.WriteTimeout > 0 {
		ws.WriteTimeout = c.WebSocket.WriteTimeout.Std()
	}
	ws.PingInterval = c.WebSocket.PingInterval.Std()
	if c.WebSocket.AllowAllOrigins {
		ws.CheckOrigin = server.AllowAllOrigins
	}
	return sc
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E120").Wrap(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New("E120").Wrap(err)
	}
	c.path = path
	return nil
}
