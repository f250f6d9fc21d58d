package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL      = "http://localhost:8000/api/v1"
	DefaultHTTPTimeout = 10 * time.Second
	DefaultDNSCacheTTL = 5 * time.Minute
	defaultDataDirName = ".tiergate"
)

// Config holds client-side configuration for the entitlement core.
type Config struct {
	APIURL             string
	DataDir            string
	LogLevel           string
	LogFormat          string
	HTTPTimeout        time.Duration
	InsecureSkipVerify bool
	TLSFingerprint     string
	QuotaFile          string
	DNSCacheTTL        time.Duration
}

// CredentialsDir returns the directory the credential store writes to.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.DataDir, "credentials")
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	timeoutSeconds, err := envOrDefaultInt("TIERGATE_HTTP_TIMEOUT", int(DefaultHTTPTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	dnsTTLSeconds, err := envOrDefaultInt("TIERGATE_DNS_CACHE_TTL", int(DefaultDNSCacheTTL/time.Second))
	if err != nil {
		return nil, err
	}
	insecure, err := envOrDefaultBool("TIERGATE_INSECURE_SKIP_VERIFY", false)
	if err != nil {
		return nil, err
	}

	dataDir := strings.TrimSpace(os.Getenv("TIERGATE_DATA_DIR"))
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory for TIERGATE_DATA_DIR default: %w", err)
		}
		dataDir = filepath.Join(home, defaultDataDirName)
	}

	cfg := &Config{
		APIURL:             envOrDefault("TIERGATE_API_URL", DefaultAPIURL),
		DataDir:            dataDir,
		LogLevel:           envOrDefault("TIERGATE_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("TIERGATE_LOG_FORMAT", "auto"),
		HTTPTimeout:        time.Duration(timeoutSeconds) * time.Second,
		InsecureSkipVerify: insecure,
		TLSFingerprint:     strings.TrimSpace(os.Getenv("TIERGATE_TLS_FINGERPRINT")),
		QuotaFile:          strings.TrimSpace(os.Getenv("TIERGATE_QUOTA_FILE")),
		DNSCacheTTL:        time.Duration(dnsTTLSeconds) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	normalized, err := NormalizeAPIURL(c.APIURL)
	if err != nil {
		return fmt.Errorf("TIERGATE_API_URL %w", err)
	}
	c.APIURL = normalized

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("TIERGATE_HTTP_TIMEOUT must be greater than 0, got %s", c.HTTPTimeout)
	}
	if c.DNSCacheTTL <= 0 {
		return fmt.Errorf("TIERGATE_DNS_CACHE_TTL must be greater than 0, got %s", c.DNSCacheTTL)
	}
	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("TIERGATE_DATA_DIR must be resolvable: %w", err)
		}
		c.DataDir = abs
	}
	return nil
}

// NormalizeAPIURL validates an identity service base URL and strips any
// trailing slash.
func NormalizeAPIURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("must be a valid URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("must use http or https scheme, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("must include a host")
	}
	if parsed.User != nil {
		return "", fmt.Errorf("must not include userinfo")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("must not include a query or fragment")
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
