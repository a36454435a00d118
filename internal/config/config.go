package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Port        int    `envconfig:"PORT" default:"5000" yaml:"port"`
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	CORSOrigin  string `envconfig:"CORS_ORIGIN" default:"*" yaml:"cors_origin"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"shellgate.db" yaml:"database_url"`
	LogPath     string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`

	// JWTSecret signs bearer tokens. CredentialsKey encrypts profile secrets
	// at rest; when empty it falls back to JWTSecret.
	JWTSecret      string        `envconfig:"JWT_SECRET" default:"" yaml:"jwt_secret"`
	CredentialsKey string        `envconfig:"CREDENTIALS_KEY" default:"" yaml:"credentials_key"`
	TokenLifetime  time.Duration `envconfig:"TOKEN_LIFETIME" default:"168h" yaml:"token_lifetime"`

	// Rate limiting. The window applies to both the global and the auth
	// bucket; the auth bucket additionally blocks a source for one full
	// window once exhausted.
	RateLimitMaxRequests int `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100" yaml:"rate_limit_max_requests"`
	RateLimitWindowMS    int `envconfig:"RATE_LIMIT_WINDOW_MS" default:"900000" yaml:"rate_limit_window_ms"`
	AuthRateLimitMax     int `envconfig:"AUTH_RATE_LIMIT_MAX" default:"5" yaml:"auth_rate_limit_max"`

	// SSH connection management.
	SSHDialTimeout time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"30s" yaml:"ssh_dial_timeout"`
	SSHIdleTimeout time.Duration `envconfig:"SSH_IDLE_TIMEOUT" default:"30m" yaml:"ssh_idle_timeout"`

	// Assistant providers. At least one key is required for assistant
	// features; AIProvider forces a provider, otherwise the first configured
	// key wins (anthropic before openai).
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY" default:"" yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" default:"" yaml:"openai_api_key"`
	AIProvider      string `envconfig:"AI_PROVIDER" default:"" yaml:"ai_provider"`

	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

var Cfg Settings

// Load populates Cfg from the environment, then overlays the optional YAML
// config file named by CONFIG_FILE. File values take precedence over the
// environment so a mounted config can pin a deployment.
func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if Cfg.ConfigFile != "" {
		data, err := os.ReadFile(Cfg.ConfigFile)
		if err != nil {
			log.Fatalf("failed to read config file %s: %v", Cfg.ConfigFile, err)
		}
		if err := yaml.Unmarshal(data, &Cfg); err != nil {
			log.Fatalf("failed to parse config file %s: %v", Cfg.ConfigFile, err)
		}
	}

	if Cfg.JWTSecret == "" {
		if Cfg.Environment == "production" {
			log.Fatalf("JWT_SECRET must be set in production")
		}
		Cfg.JWTSecret = randomSecret()
		log.Printf("WARNING: JWT_SECRET not set, generated an ephemeral secret; tokens will not survive restarts")
	}
	if Cfg.CredentialsKey == "" {
		Cfg.CredentialsKey = Cfg.JWTSecret
	}
}

// RateLimitWindow returns the configured rate limit window as a duration.
func (s *Settings) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowMS) * time.Millisecond
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("failed to generate dev secret: %v", err)
	}
	return hex.EncodeToString(b)
}
