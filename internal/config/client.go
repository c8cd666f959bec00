package config

import (
	"flag"
	"strconv"
	"time"
)

// ClientConfig holds configuration for lifecycle-ctl.
type ClientConfig struct {
	URL            string
	LogLevel       string
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	RequestTimeout time.Duration
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call Parse.
func (c *ClientConfig) BindFlags(fs *flag.FlagSet) {
	c.URL = GetEnv("BRIDGE_URL", "ws://localhost:3000/mcp")
	c.LogLevel = GetEnv("LOG_LEVEL", "warn")
	c.MaxRetries, _ = strconv.Atoi(GetEnv("MAX_RETRIES", "5"))
	c.RetryBase = parseDuration(GetEnv("RETRY_BASE", "500ms"), 500*time.Millisecond)
	c.RetryMax = parseDuration(GetEnv("RETRY_MAX", "10s"), 10*time.Second)
	c.RequestTimeout = parseDuration(GetEnv("REQUEST_TIMEOUT", "30s"), 30*time.Second)

	fs.StringVar(&c.URL, "url", c.URL, "bridge WebSocket URL")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "connection attempts before giving up")
	fs.DurationVar(&c.RetryBase, "retry-base", c.RetryBase, "initial reconnect backoff")
	fs.DurationVar(&c.RetryMax, "retry-max", c.RetryMax, "maximum reconnect backoff")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per command timeout; 0 waits indefinitely")
}

func parseDuration(v string, d time.Duration) time.Duration {
	if p, err := time.ParseDuration(v); err == nil {
		return p
	}
	return d
}
