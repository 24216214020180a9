// Package config loads agent configuration from an optional YAML file and
// the environment. Environment variables, including those from a .env file,
// win over the file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvConfigFile     = "PAYMENT_AGENT_CONFIG"
	EnvHost           = "PAYMENT_AGENT_HOST"
	EnvPort           = "PAYMENT_AGENT_PORT"
	EnvAllowedOrigins = "PAYMENT_AGENT_ALLOWED_ORIGINS"
	EnvGatewayV1URL   = "PAYMENT_AGENT_GATEWAY_V1_URL"
	EnvGatewayV2URL   = "PAYMENT_AGENT_GATEWAY_V2_URL"
	EnvGatewayTimeout = "PAYMENT_AGENT_GATEWAY_TIMEOUT"
	EnvSimulate       = "PAYMENT_AGENT_SIMULATE"
	EnvAccountID      = "PAYMENT_AGENT_ACCOUNT_ID"
	EnvAPIKey         = "PAYMENT_AGENT_API_KEY"
	EnvStorePath      = "PAYMENT_AGENT_DB"
	EnvNATSURL        = "PAYMENT_AGENT_NATS_URL"
	EnvNATSPrefix     = "PAYMENT_AGENT_NATS_PREFIX"
	EnvConsoleLog     = "PAYMENT_AGENT_CONSOLE_LOG"
	EnvLogLevel       = "PAYMENT_AGENT_LOG_LEVEL"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// DefaultAllowedOrigins lets pages served from this machine, on any port,
// use the API.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1", "https://localhost"}

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins are the browser origins accepted by the API. An entry
	// without a port matches every port; "*" matches any origin.
	AllowedOrigins []string       `yaml:"allowed_origins"`
	Gateway        GatewayConfig  `yaml:"gateway"`
	Merchant       MerchantConfig `yaml:"merchant"`
	Store          StoreConfig    `yaml:"store"`
	NATS           NATSConfig     `yaml:"nats"`
	Log            LogConfig      `yaml:"log"`
}

type GatewayConfig struct {
	V1URL   string        `yaml:"v1_url"`
	V2URL   string        `yaml:"v2_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Simulate uses the in-process gateway and reader instead of the real
	// ones.
	Simulate bool `yaml:"simulate"`
}

// MerchantConfig is the account used when a request does not name one.
type MerchantConfig struct {
	AccountID string `yaml:"account_id"`
	APIKey    string `yaml:"api_key"`
}

type StoreConfig struct {
	// Path of the SQLite database. Empty keeps records in memory.
	Path string `yaml:"path"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Console bool   `yaml:"console"`
	Level   string `yaml:"level"`
}

// Address returns host:port for the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		AllowedOrigins: slices.Clone(DefaultAllowedOrigins),
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{Path: DefaultStorePath()},
		NATS:  NATSConfig{Prefix: "payments"},
		Log:   LogConfig{Level: "info"},
	}
}

// DefaultStorePath is records.db in the user config directory, or empty
// when that directory is unknown.
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "payment-agent", "records.db")
}

// Load reads the file named by PAYMENT_AGENT_CONFIG, if any, then applies
// the environment.
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = Get(EnvHost, c.Host)
	c.Port = GetInt(EnvPort, c.Port)
	c.AllowedOrigins = GetList(EnvAllowedOrigins, c.AllowedOrigins)
	c.Gateway.V1URL = Get(EnvGatewayV1URL, c.Gateway.V1URL)
	c.Gateway.V2URL = Get(EnvGatewayV2URL, c.Gateway.V2URL)
	c.Gateway.Timeout = GetDuration(EnvGatewayTimeout, c.Gateway.Timeout)
	c.Gateway.Simulate = GetBool(EnvSimulate, c.Gateway.Simulate)
	c.Merchant.AccountID = Get(EnvAccountID, c.Merchant.AccountID)
	c.Merchant.APIKey = Get(EnvAPIKey, c.Merchant.APIKey)
	c.Store.Path = Get(EnvStorePath, c.Store.Path)
	c.NATS.URL = Get(EnvNATSURL, c.NATS.URL)
	c.NATS.Prefix = Get(EnvNATSPrefix, c.NATS.Prefix)
	c.Log.Console = GetBool(EnvConsoleLog, c.Log.Console)
	c.Log.Level = Get(EnvLogLevel, c.Log.Level)
}

// Validate rejects values the agent cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive")
	}
	if (c.Merchant.AccountID == "") != (c.Merchant.APIKey == "") {
		return fmt.Errorf("merchant account id and api key must be set together")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

var (
	envOnce sync.Once
	envErr  error
)

// LoadEnv loads .env from the working directory once. A missing file is
// not an error.
func LoadEnv() error {
	envOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			envErr = fmt.Errorf("error loading .env file: %w", err)
		}
	})
	return envErr
}

// Get returns the variable or def when it is unset or empty.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetList splits a comma separated variable, dropping empty items.
func GetList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
