// Package config loads rpcgate configuration. Sources are layered, later
// overriding earlier: built-in defaults, a .env file (via godotenv),
// process environment, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variable names. The .env file uses the same keys.
const (
	EnvListenAddr      = "RPCGATE_LISTEN_ADDR"
	EnvRPCUser         = "RPCGATE_RPC_USER"
	EnvRPCPassword     = "RPCGATE_RPC_PASSWORD"
	EnvRPCPasswordHash = "RPCGATE_RPC_PASSWORD_HASH"
	EnvWorkers         = "RPCGATE_WORKERS"
	EnvQueueDepth      = "RPCGATE_QUEUE_DEPTH"
	EnvRateLimit       = "RPCGATE_RATE_LIMIT"
	EnvLogLevel        = "RPCGATE_LOG_LEVEL"
)

// Config holds the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// RPCUser and RPCPassword form the Basic auth credential.
	RPCUser     string
	RPCPassword string
	// RPCPasswordHash is an optional bcrypt hash of "user:pass", checked
	// instead of RPCPassword. Mutually exclusive with RPCPassword.
	RPCPasswordHash string
	// Workers is the handler worker count.
	Workers int
	// QueueDepthPerWorker bounds pending work per worker.
	QueueDepthPerWorker int
	// RateLimitPerPeer is requests/second allowed per peer; 0 disables
	// rate limiting.
	RateLimitPerPeer float64
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8332",
		RPCUser:             "rpcgate",
		Workers:             4,
		QueueDepthPerWorker: 16,
		LogLevel:            "info",
	}
}

// Load layers the .env file (when present) and the process environment
// over the defaults. A missing envFile is not an error; an unreadable or
// malformed one is.
func Load(envFile string) (Config, error) {
	cfg := Default()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}
	if err := cfg.fromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvRPCUser); v != "" {
		c.RPCUser = v
	}
	if v := os.Getenv(EnvRPCPassword); v != "" {
		c.RPCPassword = v
	}
	if v := os.Getenv(EnvRPCPasswordHash); v != "" {
		c.RPCPasswordHash = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(EnvQueueDepth); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvQueueDepth, err)
		}
		c.QueueDepthPerWorker = n
	}
	if v := os.Getenv(EnvRateLimit); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvRateLimit, err)
		}
		c.RateLimitPerPeer = f
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// RegisterFlags binds the configuration to fs so command-line flags
// override the loaded values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.RPCUser, "rpcuser", c.RPCUser, "RPC user name")
	fs.StringVar(&c.RPCPassword, "rpcpassword", c.RPCPassword, "RPC password")
	fs.StringVar(&c.RPCPasswordHash, "rpcpasswordhash", c.RPCPasswordHash, "bcrypt hash of user:pass (replaces -rpcpassword)")
	fs.IntVar(&c.Workers, "workers", c.Workers, "handler worker count")
	fs.IntVar(&c.QueueDepthPerWorker, "queuedepth", c.QueueDepthPerWorker, "pending work bound per worker")
	fs.Float64Var(&c.RateLimitPerPeer, "ratelimit", c.RateLimitPerPeer, "requests/second per peer, 0 disables")
	fs.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "log level: debug, info, warn, error")
}

// ApplyFlagOverrides copies into c the fields of parsed whose flags were
// explicitly set on fs. This keeps the layering order (flags over
// environment) even though flags must be registered before the .env file
// path is known.
func (c *Config) ApplyFlagOverrides(fs *flag.FlagSet, parsed Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			c.ListenAddr = parsed.ListenAddr
		case "rpcuser":
			c.RPCUser = parsed.RPCUser
		case "rpcpassword":
			c.RPCPassword = parsed.RPCPassword
		case "rpcpasswordhash":
			c.RPCPasswordHash = parsed.RPCPasswordHash
		case "workers":
			c.Workers = parsed.Workers
		case "queuedepth":
			c.QueueDepthPerWorker = parsed.QueueDepthPerWorker
		case "ratelimit":
			c.RateLimitPerPeer = parsed.RateLimitPerPeer
		case "loglevel":
			c.LogLevel = parsed.LogLevel
		}
	})
}

// Validate checks invariants that span fields.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.QueueDepthPerWorker <= 0 {
		return errors.New("config: queue depth must be positive")
	}
	if c.RPCPassword != "" && c.RPCPasswordHash != "" {
		return errors.New("config: rpcpassword and rpcpasswordhash are mutually exclusive")
	}
	if c.RateLimitPerPeer < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
