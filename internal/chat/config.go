package chat

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server runtime settings.
type Config struct {
	// Addr is the TCP listen address for chat clients.
	Addr string
	// MetricsAddr is the HTTP listen address for metrics and health checks.
	MetricsAddr string
	// MaxClients bounds the number of concurrently served sessions.
	// Connections beyond the bound queue for a slot instead of being dropped.
	MaxClients int
	// AuthTimeout bounds how long a new connection may take to authenticate.
	AuthTimeout time.Duration
	// HistorySize is the number of public chat messages replayed to joiners.
	HistorySize int
	// SendBuffer is the per-session outbound queue depth. It must exceed
	// HistorySize so a full replay never stalls the registry.
	SendBuffer int
	// EventBuffer is the registry event queue depth.
	EventBuffer int
	// ShutdownGrace is how long Stop waits for in-flight sessions to drain.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:          ":5000",
		MetricsAddr:   ":9090",
		MaxClients:    50,
		AuthTimeout:   30 * time.Second,
		HistorySize:   100,
		SendBuffer:    256,
		EventBuffer:   128,
		ShutdownGrace: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = def.MetricsAddr
	}
	if c.MaxClients <= 0 {
		c.MaxClients = def.MaxClients
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.SendBuffer <= c.HistorySize {
		c.SendBuffer = c.HistorySize * 2
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// defaults for anything unset or unparseable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if addr := os.Getenv("PULSE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr := os.Getenv("PULSE_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if v := os.Getenv("PULSE_MAX_CLIENTS"); v != "" {
		cfg.MaxClients = parseIntValue(v, cfg.MaxClients)
	}
	if v := os.Getenv("PULSE_AUTH_TIMEOUT_SECONDS"); v != "" {
		cfg.AuthTimeout = parseSeconds(v, cfg.AuthTimeout)
	}
	if v := os.Getenv("PULSE_HISTORY_SIZE"); v != "" {
		cfg.HistorySize = parseIntValue(v, cfg.HistorySize)
	}
	if v := os.Getenv("PULSE_SHUTDOWN_GRACE_SECONDS"); v != "" {
		cfg.ShutdownGrace = parseSeconds(v, cfg.ShutdownGrace)
	}

	return cfg.withDefaults()
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
