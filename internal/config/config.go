package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MemoryStatePath selects the in-memory credential store instead of bbolt.
// Credentials are lost on restart.
const MemoryStatePath = ":memory:"

// Config holds all environment-based configuration for authrelay.
type Config struct {
	// Address the relay listens on.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Public URL pages load the relay from. Its hostname is the origin
	// requests are classified against.
	OriginURL string `env:"ORIGIN_URL"`

	// Application server requests are forwarded to.
	UpstreamURL string `env:"UPSTREAM_URL"`

	// bbolt database holding the credential. Empty means
	// ~/.authrelay/state.db; MemoryStatePath keeps it in memory.
	StatePath string `env:"STATE_PATH"`

	// Redis server shared by several relay instances. When set it takes
	// precedence over STATE_PATH.
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"authrelay:"`

	// How long a refresh may hold the lock before it is released anyway.
	AutoUnlockAfter time.Duration `env:"AUTO_UNLOCK_AFTER" envDefault:"10s"`

	// Ask a connected page for its credential before refreshing from the
	// server, and how long to wait for its answer.
	PageFallback     bool          `env:"PAGE_FALLBACK" envDefault:"false"`
	PageTokenTimeout time.Duration `env:"PAGE_TOKEN_TIMEOUT" envDefault:"5s"`

	// Optional YAML classifier rules, reloaded on change.
	RulesFile string `env:"RULES_FILE"`

	// Extra origins allowed to open the page channel, as
	// websocket.AcceptOptions.OriginPatterns. The origin host is always
	// allowed.
	WSOriginPatterns []string `env:"WS_ORIGIN_PATTERNS" envSeparator:","`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// MCP inspection server
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`

	origin   *url.URL
	upstream *url.URL
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing settings to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" && cfg.StatePath != MemoryStatePath {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	origin, err := parseAbsURL("ORIGIN_URL", c.OriginURL)
	if err != nil {
		return err
	}

	upstream, err := parseAbsURL("UPSTREAM_URL", c.UpstreamURL)
	if err != nil {
		return err
	}

	if c.AutoUnlockAfter <= 0 {
		return fmt.Errorf("AUTO_UNLOCK_AFTER must be positive, got %s", c.AutoUnlockAfter)
	}

	if c.PageFallback && c.PageTokenTimeout <= 0 {
		return fmt.Errorf("PAGE_TOKEN_TIMEOUT must be positive when PAGE_FALLBACK is enabled")
	}

	if c.RedisURL != "" && c.StatePath == MemoryStatePath {
		return fmt.Errorf("REDIS_URL and STATE_PATH=%s are mutually exclusive", MemoryStatePath)
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	c.origin = origin
	c.upstream = upstream

	return nil
}

func parseAbsURL(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%s has no host", name)
	}

	return u, nil
}

// Origin returns the parsed ORIGIN_URL.
func (c *Config) Origin() *url.URL {
	return c.origin
}

// Upstream returns the parsed UPSTREAM_URL.
func (c *Config) Upstream() *url.URL {
	return c.upstream
}

// OriginPatterns returns the hosts allowed to open the page channel: the
// origin host followed by WS_ORIGIN_PATTERNS.
func (c *Config) OriginPatterns() []string {
	out := []string{c.origin.Host}
	return append(out, c.WSOriginPatterns...)
}

// UseRedis reports whether the credential is kept in Redis.
func (c *Config) UseRedis() bool {
	return c.RedisURL != ""
}

// UseMemoryState reports whether the credential is kept in memory.
func (c *Config) UseMemoryState() bool {
	return c.StatePath == MemoryStatePath
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
