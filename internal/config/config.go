package config

import (
	"errors"
	"fmt"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Token modes understood by the probe.
const (
	TokenModeLine     = "line"
	TokenModeEndpoint = "endpoint"
)

const envPrefix = "WAITPROBE"

type Config struct {
	Host       string
	Port       int
	AgentID    string // agent_id argument of wait_notify
	TimeoutSec int    // timeout_sec argument, interpreted by the hub only
	RequestID  string
	TokenMode  string
	HoldStream bool // keep /sse open until the call returns
	Deadline   time.Duration

	ScanSecrets bool
	RulesPath   string // gitleaks toml; empty means the built-in rules

	MCPConfig string
	LogLevel  string

	// baseURL overrides Host and Port when set by MCP config discovery.
	baseURL string
}

// NewConfig returns the defaults the probe has always used.
func NewConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        8080,
		AgentID:     "Gemini-Automated-Tester",
		TimeoutSec:  30,
		RequestID:   "wait_test",
		TokenMode:   TokenModeLine,
		HoldStream:  true,
		ScanSecrets: true,
		LogLevel:    "info",
	}
}

// BindFlags registers the probe flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	d := NewConfig()

	fs.String("host", d.Host, "hub host")
	fs.Int("port", d.Port, "hub port")
	fs.String("agent-id", d.AgentID, "agent_id passed to wait_notify")
	fs.Int("timeout-sec", d.TimeoutSec, "timeout_sec passed to wait_notify")
	fs.String("request-id", d.RequestID, "JSON-RPC request id")
	fs.String("token-mode", d.TokenMode, "how to read the session token: line or endpoint")
	fs.Bool("hold-stream", d.HoldStream, "keep the SSE stream open until the call returns")
	fs.Duration("deadline", d.Deadline, "local deadline for the whole probe (0 disables)")
	fs.Bool("scan-secrets", d.ScanSecrets, "refuse to send arguments that contain secrets")
	fs.String("rules", d.RulesPath, "gitleaks rules file (defaults to the built-in rules)")
	fs.String("mcp-config", d.MCPConfig, "MCP client config to discover the hub URL from")
	fs.String("log-level", d.LogLevel, "log level")

	keys := map[string]string{
		"host":         "host",
		"port":         "port",
		"agent_id":     "agent-id",
		"timeout_sec":  "timeout-sec",
		"request_id":   "request-id",
		"token_mode":   "token-mode",
		"hold_stream":  "hold-stream",
		"deadline":     "deadline",
		"scan_secrets": "scan-secrets",
		"rules_path":   "rules",
		"mcp_config":   "mcp-config",
		"log_level":    "log-level",
	}
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads an optional config file and the environment into a Config.
// An empty path searches the working directory and the user config dir
// for waitprobe.yaml; a missing file is not an error in that case.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("waitprobe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "waitprobe"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	d := NewConfig()
	setDefaults(v, d)

	cfg := &Config{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		AgentID:     v.GetString("agent_id"),
		TimeoutSec:  v.GetInt("timeout_sec"),
		RequestID:   v.GetString("request_id"),
		TokenMode:   v.GetString("token_mode"),
		HoldStream:  v.GetBool("hold_stream"),
		Deadline:    v.GetDuration("deadline"),
		ScanSecrets: v.GetBool("scan_secrets"),
		RulesPath:   v.GetString("rules_path"),
		MCPConfig:   v.GetString("mcp_config"),
		LogLevel:    v.GetString("log_level"),
	}

	if cfg.MCPConfig != "" {
		base, err := DiscoverBaseURL(cfg.MCPConfig)
		if err != nil {
			return nil, err
		}
		cfg.baseURL = base
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("agent_id", d.AgentID)
	v.SetDefault("timeout_sec", d.TimeoutSec)
	v.SetDefault("request_id", d.RequestID)
	v.SetDefault("token_mode", d.TokenMode)
	v.SetDefault("hold_stream", d.HoldStream)
	v.SetDefault("deadline", d.Deadline)
	v.SetDefault("scan_secrets", d.ScanSecrets)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate rejects configurations the probe cannot run with.
func (c *Config) Validate() error {
	if c.TokenMode != TokenModeLine && c.TokenMode != TokenModeEndpoint {
		return fmt.Errorf("invalid token mode %q: want %q or %q", c.TokenMode, TokenModeLine, TokenModeEndpoint)
	}
	if c.baseURL == "" {
		if c.Host == "" {
			return fmt.Errorf("host must not be empty")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Port)
		}
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative")
	}
	return nil
}

// BaseURL is the scheme and authority every endpoint is resolved against.
func (c *Config) BaseURL() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	u := url.URL{
		Scheme: "http",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
	}
	return u.String()
}

// SetBaseURL points the config at an explicit hub, ignoring Host and Port.
func (c *Config) SetBaseURL(base string) {
	c.baseURL = strings.TrimRight(base, "/")
}

// SSEURL is the streaming endpoint.
func (c *Config) SSEURL() string {
	return c.BaseURL() + "/sse"
}

// MessageURL is the call endpoint for the given session token.
func (c *Config) MessageURL(sessionID string) string {
	return c.BaseURL() + "/message?sessionId=" + url.QueryEscape(sessionID)
}
