// Package config loads signalmesh-demo server configuration from
// flags and SIGNALMESH_-prefixed environment variables, following
// go-sdk/examples/server/internal/config/config.go's flag-and-env idiom.
// No third-party config library appears anywhere in the retrieval pack,
// so this stays on the standard library by design (see DESIGN.md).
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the settings cmd/signalmesh-demo reads.
// cmd/signalmesh-client-demo does not use it.
type Config struct {
	Host string
	Port int

	LogLevel string
	Env      string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingPeriod   time.Duration

	// InboundRateLimitPerSecond is the per-session inbound frame rate
	// (frames per second), read from SIGNALMESH_RATE_LIMIT or -rate-limit.
	// cmd/signalmesh-demo loads it but does not apply it to its server, so
	// it has no effect there.
	InboundRateLimitPerSecond float64
}

const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8080
	DefaultLogLevel     = "info"
	DefaultEnv          = "production"
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingPeriod   = 30 * time.Second
	DefaultRateLimit    = 200.0
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Host:                      DefaultHost,
		Port:                      DefaultPort,
		LogLevel:                  DefaultLogLevel,
		Env:                       DefaultEnv,
		ReadTimeout:               DefaultReadTimeout,
		WriteTimeout:              DefaultWriteTimeout,
		PingPeriod:                DefaultPingPeriod,
		InboundRateLimitPerSecond: DefaultRateLimit,
	}
}

// LoadFromEnv overlays SIGNALMESH_-prefixed environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SIGNALMESH_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SIGNALMESH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Port = port
	}
	if v := os.Getenv("SIGNALMESH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SIGNALMESH_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("SIGNALMESH_RATE_LIMIT"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.InboundRateLimitPerSecond = rate
	}
	return nil
}

// RegisterFlags binds c's fields to fs, letting command-line flags
// override whatever environment or defaults already set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "listen host")
	fs.IntVar(&c.Port, "port", c.Port, "listen port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Env, "env", c.Env, "environment (development, production)")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "inbound frame read timeout")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "outbound frame write timeout")
	fs.DurationVar(&c.PingPeriod, "ping-period", c.PingPeriod, "websocket keepalive ping period")
	fs.Float64Var(&c.InboundRateLimitPerSecond, "rate-limit", c.InboundRateLimitPerSecond, "max inbound frames per second per session")
}

// Load builds a Config from defaults, then environment, then the flags
// parsed from args.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	c := New()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}
