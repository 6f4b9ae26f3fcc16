package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := NewDefaultConfig()
	cfg.Directory.Accounts = []AccountConfig{
		{Identity: "alice@example.com", Host: "mail.example.com", Port: 993, TLS: true},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string // Substring expected in the error, "" for ok
	}{
		{
			name:   "valid static config",
			mutate: func(c *Config) {},
		},
		{
			name: "static mode without accounts",
			mutate: func(c *Config) {
				c.Directory.Accounts = nil
			},
			wantErr: "no accounts",
		},
		{
			name: "static mode without accounts but with fallback",
			mutate: func(c *Config) {
				c.Directory.Accounts = nil
				c.Directory.UnknownIdentityPolicy = PolicyFallback
				c.Directory.FallbackRoute = &RouteConfig{Host: "mail.example.com", Port: 143}
			},
		},
		{
			name: "http mode without url",
			mutate: func(c *Config) {
				c.Directory.Mode = "http"
			},
			wantErr: "no url",
		},
		{
			name: "http mode with url",
			mutate: func(c *Config) {
				c.Directory.Mode = "http"
				c.Directory.URL = "http://accounts.internal/lookup"
			},
		},
		{
			name: "unknown directory mode",
			mutate: func(c *Config) {
				c.Directory.Mode = "ldap"
			},
			wantErr: "unknown directory mode",
		},
		{
			name: "fallback policy without route",
			mutate: func(c *Config) {
				c.Directory.UnknownIdentityPolicy = PolicyFallback
			},
			wantErr: "fallback_route",
		},
		{
			name: "unknown identity policy",
			mutate: func(c *Config) {
				c.Directory.UnknownIdentityPolicy = "quarantine"
			},
			wantErr: "identity policy",
		},
		{
			name: "proxy TLS without cert",
			mutate: func(c *Config) {
				c.Proxy.TLS = true
			},
			wantErr: "tls_cert_file",
		},
		{
			name: "negative threshold",
			mutate: func(c *Config) {
				c.Filter.Threshold = -1
			},
			wantErr: "threshold",
		},
		{
			name: "admin without api key",
			mutate: func(c *Config) {
				c.Admin.Start = true
			},
			wantErr: "api_key",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailkeep.toml")
	data := `
[proxy]
addr = ":2143"
auth_idle_timeout = "1m"

[filter]
threshold = 500.0

[directory]
mode = "static"
unknown_identity_policy = "reject"

[[directory.accounts]]
identity = "alice@example.com"
host = "mail.example.com"
port = 993
tls = true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Proxy.Addr != ":2143" {
		t.Errorf("Proxy.Addr = %q", cfg.Proxy.Addr)
	}
	if cfg.Filter.Threshold != 500.0 {
		t.Errorf("Filter.Threshold = %v", cfg.Filter.Threshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Admin.Addr != ":8143" {
		t.Errorf("Admin.Addr = %q", cfg.Admin.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	timeout, err := cfg.Proxy.GetAuthIdleTimeout()
	if err != nil {
		t.Fatalf("GetAuthIdleTimeout() = %v", err)
	}
	if timeout != time.Minute {
		t.Errorf("GetAuthIdleTimeout() = %v, want 1m", timeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := Load(filepath.Join(t.TempDir(), "absent.toml"), &cfg); err != nil {
		t.Fatalf("Load() on a missing file = %v, want nil", err)
	}
	if cfg.Proxy.Addr != ":1143" {
		t.Errorf("Proxy.Addr = %q, want default", cfg.Proxy.Addr)
	}
	if cfg.Filter.Threshold != DefaultThreshold {
		t.Errorf("Filter.Threshold = %v, want default", cfg.Filter.Threshold)
	}
}

func TestDurationAccessorDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if d, err := cfg.Proxy.GetConnectTimeout(); err != nil || d != 10*time.Second {
		t.Errorf("GetConnectTimeout() = %v, %v", d, err)
	}
	if d, err := cfg.Proxy.GetCloseGracePeriod(); err != nil || d != 5*time.Second {
		t.Errorf("GetCloseGracePeriod() = %v, %v", d, err)
	}
	if d, err := cfg.Directory.GetTimeout(); err != nil || d != 5*time.Second {
		t.Errorf("Directory.GetTimeout() = %v, %v", d, err)
	}
	if d, err := cfg.Quarantine.GetOpTimeout(); err != nil || d != 5*time.Second {
		t.Errorf("Quarantine.GetOpTimeout() = %v, %v", d, err)
	}

	cfg.Proxy.ConnectTimeout = "bogus"
	if _, err := cfg.Proxy.GetConnectTimeout(); err == nil {
		t.Error("GetConnectTimeout() accepted a bogus duration")
	}
}
