package config

import (
	"os"
	"testing"
)

func setValidSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "01234567890123456789012345678901")
	t.Setenv("API_KEY_HMAC_SECRET", "98765432109876543210987654321098")
	t.Setenv("TOTP_ENCRYPTION_KEY", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
}

func TestLoadDefaults(t *testing.T) {
	setValidSecrets(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default bind address", func(c *Config) bool { return c.BindAddress == "0.0.0.0:8080" }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default metrics path", func(c *Config) bool { return c.MetricsPath == "/metrics" }},
		{"default proxy request timeout", func(c *Config) bool { return c.ProxyRequestTimeoutMS == 30000 }},
		{"default proxy partial timeout", func(c *Config) bool { return c.ProxyPartialTimeoutMS == 5000 }},
		{"default max connections per org", func(c *Config) bool { return c.MaxConnectionsPerOrg == 100 }},
		{"default max body bytes", func(c *Config) bool { return c.MaxRequestBodyBytes == 10485760 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected value for %s", tt.name)
			}
		})
	}
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("JWT_SECRET", "tooshort")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for short JWT_SECRET")
	}
}

func TestLoadRejectsBlocklistedSecret(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("JWT_SECRET", "changeme")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for blocklisted JWT_SECRET")
	}
}

func TestLoadRejectsMalformedTOTPKey(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("TOTP_ENCRYPTION_KEY", "not-hex-and-wrong-length")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed TOTP_ENCRYPTION_KEY")
	}
}

func TestLoadRejectsHTTPPublicURL(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("PUBLIC_URL", "http://plexmcp.example.com")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-HTTPS PUBLIC_URL")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
