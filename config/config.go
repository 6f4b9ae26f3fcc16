package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailkeep/mailkeep/helpers"
)

const (
	// PolicyReject refuses authentication for identities the directory
	// does not know.
	PolicyReject = "reject"
	// PolicyFallback routes unknown identities to the fallback route.
	PolicyFallback = "fallback"

	// DefaultThreshold is the quarantine amount threshold.
	DefaultThreshold = 10000.00
	// DefaultMaxInterceptSize bounds how large a message body the relay
	// will buffer for classification.
	DefaultMaxInterceptSize = int64(50 << 20)
)

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// RouteConfig is a static upstream route.
type RouteConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	TLS  bool   `toml:"tls"`
}

// AccountConfig maps one identity to its upstream route in the static
// directory.
type AccountConfig struct {
	Identity string `toml:"identity"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`
}

// DirectoryConfig configures identity-to-route resolution.
type DirectoryConfig struct {
	Mode                  string          `toml:"mode"`                    // "static" or "http"
	URL                   string          `toml:"url"`                     // HTTP lookup endpoint (mode = "http")
	AuthToken             string          `toml:"auth_token"`              // Bearer token for the HTTP lookup
	Timeout               string          `toml:"timeout"`                 // HTTP lookup timeout (default: "5s")
	UnknownIdentityPolicy string          `toml:"unknown_identity_policy"` // "reject" or "fallback"
	FallbackRoute         *RouteConfig    `toml:"fallback_route"`          // Degraded default route for "fallback"
	Accounts              []AccountConfig `toml:"accounts"`                // Static directory entries
}

// GetTimeout parses the HTTP lookup timeout.
func (d *DirectoryConfig) GetTimeout() (time.Duration, error) {
	if d.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(d.Timeout)
}

// FilterConfig configures the content classifier decision.
type FilterConfig struct {
	Threshold        float64 `toml:"threshold"`          // Quarantine at or above this amount (default: 10000.00)
	MaxInterceptSize int64   `toml:"max_intercept_size"` // Bodies larger than this bypass classification (default: 50 MiB)
}

// QuarantineConfig configures the quarantine store.
type QuarantineConfig struct {
	Path      string `toml:"path"`       // SQLite database path (default: "mailkeep.db")
	OpTimeout string `toml:"op_timeout"` // Bound on store calls from the relay path (default: "5s")
}

// GetOpTimeout parses the store operation timeout.
func (q *QuarantineConfig) GetOpTimeout() (time.Duration, error) {
	if q.OpTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(q.OpTimeout)
}

// ProxyConfig configures the IMAP proxy listener.
type ProxyConfig struct {
	Name             string `toml:"name"` // Server name for logging
	Addr             string `toml:"addr"` // Listen address (default: ":1143")
	TLS              bool   `toml:"tls"`
	TLSCertFile      string `toml:"tls_cert_file"`
	TLSKeyFile       string `toml:"tls_key_file"`
	AuthIdleTimeout  string `toml:"auth_idle_timeout"`  // Pre-auth idle timeout (default: "30s"); no idle timeout once relaying
	ConnectTimeout   string `toml:"connect_timeout"`    // Upstream dial/greeting timeout (default: "10s")
	CloseGracePeriod string `toml:"close_grace_period"` // Grace to flush before hard-closing the peer (default: "5s")
	Debug            bool   `toml:"debug"`              // Wire-level logging with credential masking
}

// GetAuthIdleTimeout parses the pre-authentication idle timeout.
func (p *ProxyConfig) GetAuthIdleTimeout() (time.Duration, error) {
	if p.AuthIdleTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.AuthIdleTimeout)
}

// GetConnectTimeout parses the upstream connect timeout.
func (p *ProxyConfig) GetConnectTimeout() (time.Duration, error) {
	if p.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(p.ConnectTimeout)
}

// GetCloseGracePeriod parses the cascade-close grace period.
func (p *ProxyConfig) GetCloseGracePeriod() (time.Duration, error) {
	if p.CloseGracePeriod == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.CloseGracePeriod)
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`    // Listen address (default: ":8143")
	APIKey       string   `toml:"api_key"` // Required when the API is started
	AllowedHosts []string `toml:"allowed_hosts"`
}

// Config is the top-level mailkeep configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Proxy      ProxyConfig      `toml:"proxy"`
	Directory  DirectoryConfig  `toml:"directory"`
	Filter     FilterConfig     `toml:"filter"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Admin      AdminConfig      `toml:"admin"`
}

// NewDefaultConfig returns a config with application defaults applied.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Proxy: ProxyConfig{
			Name: "imap",
			Addr: ":1143",
		},
		Directory: DirectoryConfig{
			Mode:                  "static",
			UnknownIdentityPolicy: PolicyReject,
		},
		Filter: FilterConfig{
			Threshold:        DefaultThreshold,
			MaxInterceptSize: DefaultMaxInterceptSize,
		},
		Quarantine: QuarantineConfig{
			Path: "mailkeep.db",
		},
		Admin: AdminConfig{
			Addr: ":8143",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing file
// is not an error; defaults and flags then apply alone.
func Load(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints that TOML decoding cannot.
func (c *Config) Validate() error {
	switch c.Directory.Mode {
	case "static":
		if len(c.Directory.Accounts) == 0 && c.Directory.UnknownIdentityPolicy != PolicyFallback {
			return fmt.Errorf("directory mode is static but no accounts are configured")
		}
	case "http":
		if c.Directory.URL == "" {
			return fmt.Errorf("directory mode is http but no url is configured")
		}
	default:
		return fmt.Errorf("unknown directory mode %q", c.Directory.Mode)
	}

	switch c.Directory.UnknownIdentityPolicy {
	case PolicyReject:
	case PolicyFallback:
		if c.Directory.FallbackRoute == nil || c.Directory.FallbackRoute.Host == "" {
			return fmt.Errorf("unknown_identity_policy is fallback but no fallback_route is configured")
		}
	default:
		return fmt.Errorf("unknown identity policy %q", c.Directory.UnknownIdentityPolicy)
	}

	if c.Proxy.TLS && (c.Proxy.TLSCertFile == "" || c.Proxy.TLSKeyFile == "") {
		return fmt.Errorf("proxy TLS enabled but tls_cert_file/tls_key_file not set")
	}

	if c.Filter.Threshold < 0 {
		return fmt.Errorf("filter threshold must not be negative")
	}

	if c.Admin.Start && c.Admin.APIKey == "" {
		return fmt.Errorf("admin API enabled but no api_key configured")
	}

	return nil
}
