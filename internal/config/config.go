package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	UpstreamURL           string        `yaml:"upstream_url"`
	UpstreamProxyURL      string        `yaml:"upstream_proxy_url"`
	UpstreamAuthorization string        `yaml:"upstream_authorization"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ListenAddr            string        `yaml:"listen_addr"`
	DefaultModel          string        `yaml:"default_model"`
	LogLevel              string        `yaml:"log_level"`
	MetricsEnabled        bool          `yaml:"metrics_enabled"`
	// A2A
	A2AEnabled bool   `yaml:"a2a_enabled"`
	A2APort    int    `yaml:"a2a_port"`
	AgentName  string `yaml:"agent_name"`
	AgentDesc  string `yaml:"agent_desc"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		UpstreamURL:    "https://chat.reka.ai/api/chat",
		ConnectTimeout: 30 * time.Second,
		ListenAddr:     ":3031",
		DefaultModel:   "reka-core",
		LogLevel:       "info",
		MetricsEnabled: true,
		A2APort:        8000,
		AgentName:      "reka-agent",
		AgentDesc:      "Reka-backed agent exposed via A2A protocol",
	}
}

// Load resolves configuration from, in increasing precedence: built-in
// defaults, the YAML file named by --config or CONFIG_FILE, environment
// variables, and command-line flags.
func Load() *Config {
	cfg, err := LoadArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	return cfg
}

// LoadArgs is Load with an explicit flag set and argument list.
func LoadArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Defaults()

	path := configPath(args)
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	var configFile string
	fs.StringVar(&configFile, "config", path, "Path to a YAML configuration file")
	fs.StringVar(&cfg.UpstreamURL, "upstream-url", getEnv("UPSTREAM_URL", cfg.UpstreamURL), "Reka chat endpoint URL or base URL")
	fs.StringVar(&cfg.UpstreamProxyURL, "upstream-proxy-url", getEnv("UPSTREAM_PROXY_URL", cfg.UpstreamProxyURL), "HTTP/HTTPS proxy URL for upstream requests (e.g. http://proxy:8080)")
	fs.StringVar(&cfg.UpstreamAuthorization, "upstream-authorization", getEnv("UPSTREAM_AUTHORIZATION", cfg.UpstreamAuthorization), "Authorization value used by the A2A agent when the caller sends none")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", getEnvDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout), "Upper bound on connecting to the upstream and receiving response headers")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", cfg.ListenAddr), "Proxy listen address")
	fs.StringVar(&cfg.DefaultModel, "default-model", getEnv("DEFAULT_MODEL", cfg.DefaultModel), "Model used when a request names none")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", cfg.LogLevel), "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled), "Expose Prometheus metrics on /metrics")

	fs.BoolVar(&cfg.A2AEnabled, "a2a", getEnvBool("A2A_ENABLED", cfg.A2AEnabled), "Enable A2A server alongside the proxy")
	fs.IntVar(&cfg.A2APort, "a2a-port", getEnvInt("A2A_PORT", cfg.A2APort), "A2A server listen port")
	fs.StringVar(&cfg.AgentName, "agent-name", getEnv("AGENT_NAME", cfg.AgentName), "A2A AgentCard name")
	fs.StringVar(&cfg.AgentDesc, "agent-desc", getEnv("AGENT_DESC", cfg.AgentDesc), "A2A AgentCard description")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive, got %s", cfg.ConnectTimeout)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// configPath finds the config file before flags are parsed, since its
// values become the flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("CONFIG_FILE")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
