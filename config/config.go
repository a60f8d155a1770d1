// Package config loads actas settings from ACTAS_* environment variables.
// Command-line flags override individual fields after loading.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds settings shared by the server and the CLI commands.
type Config struct {
	DataDir   string // directory for the session file, bbolt database and audit chain
	Namespace string // repository namespace for session slots (one per operator profile)

	ListenAddr  string // HTTP listen address
	TLSCertFile string
	TLSKeyFile  string
	PostgresDSN string // use postgres instead of bbolt when set
	APIToken    string // bearer token required by the HTTP API

	// UpstreamURL is the API that /proxy and `actas do` send requests to.
	UpstreamURL string
	// Exempt lists "METHOD /prefix" pairs that skip confirmation.
	Exempt []string

	// Wrapping key source for the persistent slot store; exactly one is needed.
	Passphrase string
	KeyFile    string

	ConfirmTimeout  time.Duration // idle timeout for pending confirmations; 0 disables
	AuditWebhookURL string

	LogLevel  string // debug, info, warn, error
	LogFormat string // json or text
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	dir := "./data"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".actas")
	}
	return &Config{
		DataDir:        dir,
		Namespace:      "default",
		ListenAddr:     ":8443",
		ConfirmTimeout: 2 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadFromEnv applies ACTAS_* variables on top of Defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Defaults()
	setString(&cfg.DataDir, "ACTAS_DATA_DIR")
	setString(&cfg.Namespace, "ACTAS_NAMESPACE")
	setString(&cfg.ListenAddr, "ACTAS_LISTEN_ADDR")
	setString(&cfg.TLSCertFile, "ACTAS_TLS_CERT")
	setString(&cfg.TLSKeyFile, "ACTAS_TLS_KEY")
	setString(&cfg.PostgresDSN, "ACTAS_POSTGRES_DSN")
	setString(&cfg.APIToken, "ACTAS_API_TOKEN")
	setString(&cfg.Passphrase, "ACTAS_PASSPHRASE")
	setString(&cfg.KeyFile, "ACTAS_KEY_FILE")
	setString(&cfg.AuditWebhookURL, "ACTAS_AUDIT_WEBHOOK_URL")
	setString(&cfg.UpstreamURL, "ACTAS_UPSTREAM_URL")
	if v := strings.TrimSpace(os.Getenv("ACTAS_EXEMPT")); v != "" {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.Exempt = append(cfg.Exempt, part)
			}
		}
	}
	setString(&cfg.LogLevel, "ACTAS_LOG_LEVEL")
	setString(&cfg.LogFormat, "ACTAS_LOG_FORMAT")

	if v := os.Getenv("ACTAS_CONFIRM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ACTAS_CONFIRM_TIMEOUT: %w", err)
		}
		cfg.ConfirmTimeout = d
	} else if v := os.Getenv("ACTAS_CONFIRM_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ACTAS_CONFIRM_TIMEOUT_SECONDS: %w", err)
		}
		cfg.ConfirmTimeout = time.Duration(n) * time.Second
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory must be set"))
	}
	if c.ConfirmTimeout < 0 {
		errs = append(errs, errors.New("confirmation timeout must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.UpstreamURL != "" {
		if _, err := c.Upstream(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range c.Exempt {
		if _, _, err := ParseExempt(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Upstream parses UpstreamURL. It returns nil, nil when no upstream is set.
func (c *Config) Upstream() (*url.URL, error) {
	if c.UpstreamURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("upstream URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be an absolute http(s) URL", c.UpstreamURL)
	}
	return u, nil
}

// ParseExempt splits an exemption of the form "METHOD /prefix".
func ParseExempt(s string) (method, prefix string, err error) {
	method, prefix, ok := strings.Cut(strings.TrimSpace(s), " ")
	prefix = strings.TrimSpace(prefix)
	if !ok || method == "" || !strings.HasPrefix(prefix, "/") {
		return "", "", fmt.Errorf("exemption %q must look like \"POST /path\"", s)
	}
	return strings.ToUpper(method), prefix, nil
}

// ValidateServer adds the checks the HTTP server needs on top of Validate.
func (c *Config) ValidateServer() error {
	errs := []error{c.Validate()}
	if c.APIToken == "" {
		errs = append(errs, errors.New("ACTAS_API_TOKEN (or --api-token) is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS certificate and key must be set together"))
	}
	if c.Passphrase == "" && c.KeyFile == "" {
		errs = append(errs, errors.New("one of ACTAS_PASSPHRASE or ACTAS_KEY_FILE is required"))
	}
	if c.Passphrase != "" && c.KeyFile != "" {
		errs = append(errs, errors.New("ACTAS_PASSPHRASE and ACTAS_KEY_FILE are mutually exclusive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger in the configured format and level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SessionDir is where the CLI keeps its session file.
func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "profiles", c.Namespace)
}

// DatabasePath is the bbolt file used by the server.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "actas.db")
}
