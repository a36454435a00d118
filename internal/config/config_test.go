package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	Cfg = Settings{}
	Load()

	if Cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", Cfg.Port)
	}
	if Cfg.TokenLifetime != 168*time.Hour {
		t.Errorf("TokenLifetime = %v, want 168h", Cfg.TokenLifetime)
	}
	if Cfg.RateLimitMaxRequests != 100 {
		t.Errorf("RateLimitMaxRequests = %d, want 100", Cfg.RateLimitMaxRequests)
	}
	if Cfg.RateLimitWindow() != 15*time.Minute {
		t.Errorf("RateLimitWindow() = %v, want 15m", Cfg.RateLimitWindow())
	}
	if Cfg.JWTSecret == "" {
		t.Error("expected a generated dev JWT secret")
	}
	if Cfg.CredentialsKey != Cfg.JWTSecret {
		t.Error("CredentialsKey should default to JWTSecret")
	}
}

func TestLoad_SeparateCredentialsKey(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_SECRET", "signing-secret")
	os.Setenv("CREDENTIALS_KEY", "storage-secret")
	Cfg = Settings{}
	Load()

	if Cfg.JWTSecret != "signing-secret" {
		t.Errorf("JWTSecret = %q", Cfg.JWTSecret)
	}
	if Cfg.CredentialsKey != "storage-secret" {
		t.Errorf("CredentialsKey = %q", Cfg.CredentialsKey)
	}
}

func TestLoad_FileOverridesEnv(t *testing.T) {
	os.Clearenv()

	dir := t.TempDir()
	path := filepath.Join(dir, "shellgate.yaml")
	content := "port: 6100\njwt_secret: from-the-file\nssh_idle_timeout: 10m\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	os.Setenv("PORT", "7000")
	os.Setenv("CONFIG_FILE", path)
	Cfg = Settings{}
	Load()

	if Cfg.Port != 6100 {
		t.Errorf("Port = %d, want file value 6100", Cfg.Port)
	}
	if Cfg.JWTSecret != "from-the-file" {
		t.Errorf("JWTSecret = %q, want file value", Cfg.JWTSecret)
	}
	if Cfg.SSHIdleTimeout != 10*time.Minute {
		t.Errorf("SSHIdleTimeout = %v, want 10m", Cfg.SSHIdleTimeout)
	}
}
