// Package config loads dispatcher runtime configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dispatcher.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir string

	Listen           string // relay-facing TLS listener address
	ListenManagement string // management listener address
	SocketPath       string // SIP-proxy local stream socket path

	TLSCert            string // relay-facing TLS certificate
	TLSKey             string
	PassportCAFile     string // CA bundle accepted peer certs are verified against (relay channel)
	PassportCommonName string // optional CN allowlist, comma-separated; empty accepts any cert signed by the CA

	ManagementUseTLS         bool
	ManagementPassportCAFile string
	ManagementJWTSecret      string // hex-encoded HMAC secret; when set, the admin HTTP /v1 routes require a bearer token

	RelayTimeout                time.Duration
	RelayRecoverInterval        time.Duration
	CleanupDeadRelaysAfter      time.Duration
	CleanupExpiredSessionsAfter time.Duration

	Accounting   string // comma-separated sink names: log,postgres,webhook
	PostgresDSN  string
	WebhookURL   string
	WebhookUser  string
	WebhookPass  string
	SIPProxyURL  string // base URL for the "end dialog" RPC
	SIPProxyUser string
	SIPProxyPass string

	AdminHTTPAddr string // optional read-only ops HTTP surface; empty disables it
	ACMEDomain    string
	ACMEEmail     string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultListen            = "0.0.0.0:12345"
	defaultListenManagement  = "127.0.0.1:25060"
	defaultSocketPath        = "dispatcher.sock"
	defaultRelayTimeout      = 10 * time.Second
	defaultRelayRecover      = 60 * time.Second
	defaultCleanupDeadRelays = 10 * time.Minute
	defaultCleanupExpired    = 1 * time.Hour
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultAccounting        = "log"
)

// envPrefix is the prefix for all dispatcher environment variables.
const envPrefix = "DISPATCHER_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dispatcher", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the session store")
	fs.StringVar(&cfg.Listen, "listen", defaultListen, "address/port for the relay-facing TLS listener")
	fs.StringVar(&cfg.ListenManagement, "listen-management", defaultListenManagement, "address/port for the management listener")
	fs.StringVar(&cfg.SocketPath, "socket-path", defaultSocketPath, "path of the SIP-proxy local stream socket, relative to data-dir")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to relay-facing TLS certificate")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to relay-facing TLS private key")
	fs.StringVar(&cfg.PassportCAFile, "passport", "", "CA bundle used to accept relay peer certificates")
	fs.StringVar(&cfg.PassportCommonName, "passport-cn", "", "comma-separated allowlist of accepted relay certificate common names (empty accepts any cert signed by passport CA)")
	fs.BoolVar(&cfg.ManagementUseTLS, "management-use-tls", false, "require TLS on the management channel")
	fs.StringVar(&cfg.ManagementPassportCAFile, "management-passport", "", "CA bundle used to accept management client certificates")
	fs.StringVar(&cfg.ManagementJWTSecret, "management-jwt-secret", "", "hex-encoded HMAC secret for bearer-token auth on the admin HTTP /v1 routes (empty disables auth)")
	fs.DurationVar(&cfg.RelayTimeout, "relay-timeout", defaultRelayTimeout, "per-request deadline for relay commands")
	fs.DurationVar(&cfg.RelayRecoverInterval, "relay-recover-interval", defaultRelayRecover, "grace period after a relay timeout before forcibly closing the connection")
	fs.DurationVar(&cfg.CleanupDeadRelaysAfter, "cleanup-dead-relays-after", defaultCleanupDeadRelays, "delay before purging sessions pinned to a disconnected relay")
	fs.DurationVar(&cfg.CleanupExpiredSessionsAfter, "cleanup-expired-sessions-after", defaultCleanupExpired, "ttl for sessions with expire_time set")
	fs.StringVar(&cfg.Accounting, "accounting", defaultAccounting, "comma-separated list of accounting sinks to load (log,postgres,webhook)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the postgres accounting sink")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "URL the webhook accounting sink posts session stats to")
	fs.StringVar(&cfg.WebhookUser, "webhook-user", "", "digest auth username for the webhook accounting sink")
	fs.StringVar(&cfg.WebhookPass, "webhook-pass", "", "digest auth password for the webhook accounting sink")
	fs.StringVar(&cfg.SIPProxyURL, "sip-proxy-url", "", "base URL of the SIP proxy's management RPC (end_dialog)")
	fs.StringVar(&cfg.SIPProxyUser, "sip-proxy-user", "", "digest auth username for the SIP proxy management RPC")
	fs.StringVar(&cfg.SIPProxyPass, "sip-proxy-pass", "", "digest auth password for the SIP proxy management RPC")
	fs.StringVar(&cfg.AdminHTTPAddr, "admin-http-addr", "", "address for the read-only ops HTTP surface (empty disables it)")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt certificate on the admin HTTP surface")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strs := map[string]*string{
		"data-dir":                 &cfg.DataDir,
		"listen":                   &cfg.Listen,
		"listen-management":        &cfg.ListenManagement,
		"socket-path":              &cfg.SocketPath,
		"tls-cert":                 &cfg.TLSCert,
		"tls-key":                  &cfg.TLSKey,
		"passport":                 &cfg.PassportCAFile,
		"passport-cn":              &cfg.PassportCommonName,
		"management-passport":      &cfg.ManagementPassportCAFile,
		"management-jwt-secret":    &cfg.ManagementJWTSecret,
		"accounting":               &cfg.Accounting,
		"postgres-dsn":             &cfg.PostgresDSN,
		"webhook-url":              &cfg.WebhookURL,
		"webhook-user":             &cfg.WebhookUser,
		"webhook-pass":             &cfg.WebhookPass,
		"sip-proxy-url":            &cfg.SIPProxyURL,
		"sip-proxy-user":           &cfg.SIPProxyUser,
		"sip-proxy-pass":           &cfg.SIPProxyPass,
		"admin-http-addr":          &cfg.AdminHTTPAddr,
		"acme-domain":              &cfg.ACMEDomain,
		"acme-email":               &cfg.ACMEEmail,
		"log-level":                &cfg.LogLevel,
		"log-format":               &cfg.LogFormat,
	}
	for flagName, dst := range strs {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			*dst = val
		}
	}

	bools := map[string]*bool{
		"management-use-tls": &cfg.ManagementUseTLS,
	}
	for flagName, dst := range bools {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*dst = b
			}
		}
	}

	durations := map[string]*time.Duration{
		"relay-timeout":                  &cfg.RelayTimeout,
		"relay-recover-interval":         &cfg.RelayRecoverInterval,
		"cleanup-dead-relays-after":      &cfg.CleanupDeadRelaysAfter,
		"cleanup-expired-sessions-after": &cfg.CleanupExpiredSessionsAfter,
	}
	for flagName, dst := range durations {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}
}

// envName converts a flag name like "sip-proxy-url" to "SIP_PROXY_URL".
func envName(flagName string) string {
	return strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay-timeout must be positive")
	}
	if c.RelayRecoverInterval <= 0 {
		return fmt.Errorf("relay-recover-interval must be positive")
	}
	if c.CleanupDeadRelaysAfter <= 0 {
		return fmt.Errorf("cleanup-dead-relays-after must be positive")
	}
	if c.CleanupExpiredSessionsAfter <= 0 {
		return fmt.Errorf("cleanup-expired-sessions-after must be positive")
	}
	for _, name := range c.AccountingSinks() {
		switch name {
		case "log", "postgres", "webhook":
		default:
			return fmt.Errorf("unknown accounting sink %q", name)
		}
	}
	return nil
}

// AccountingSinks returns the configured accounting sink names, trimmed and
// with empty entries dropped.
func (c *Config) AccountingSinks() []string {
	var out []string
	for _, name := range strings.Split(c.Accounting, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
