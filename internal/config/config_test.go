package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() Config {
	c := Config{}
	c.App.Env = "local"
	c.App.Port = 8080
	c.DB.Host = "localhost"
	c.DB.Port = 5432
	c.DB.User = "app"
	c.DB.Name = "counsel"
	c.DB.SSLMode = "disable"
	c.Redis.Host = "localhost"
	c.Redis.Port = 6379
	c.Auth.JWTSecret = "secret"
	c.Auth.AccessTokenTTL = 15 * time.Minute
	c.Auth.RefreshTokenTTL = 720 * time.Hour
	c.RTC.TokenServiceURL = "https://rtc.example.com/token"
	c.RTC.CredentialSlack = 5 * time.Minute
	c.Notify.EdgeURL = "https://notify.example.com/dispatch"
	return c
}

func TestValidate_OK(t *testing.T) {
	c := baseConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_RequiresRTCTokenService(t *testing.T) {
	c := baseConfig()
	c.RTC.TokenServiceURL = ""
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "RTC_TOKEN_SERVICE_URL") {
		t.Fatalf("expected RTC_TOKEN_SERVICE_URL error, got %v", err)
	}
}

func TestValidate_RequiresNotifyEdge(t *testing.T) {
	c := baseConfig()
	c.Notify.EdgeURL = ""
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "NOTIFY_EDGE_URL") {
		t.Fatalf("expected NOTIFY_EDGE_URL error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	c := baseConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = ""
	c.Auth.JWTAudience = ""
	c.Email.ResendAPIKey = ""
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"JWT_ISSUER", "JWT_AUDIENCE", "RESEND_API_KEY", "RTC_TOKEN_SERVICE_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestValidate_RefreshTTLGreaterThanAccess(t *testing.T) {
	c := baseConfig()
	c.Auth.RefreshTokenTTL = c.Auth.AccessTokenTTL
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_REFRESH_TTL") {
		t.Fatalf("expected refresh TTL error, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	c := baseConfig()
	c.RTC.CredentialSlack = 0
	c.Auth.AccessTokenTTL = 0
	c.applyDefaults()
	if c.RTC.CredentialSlack != 5*time.Minute {
		t.Fatalf("expected 5m credential slack, got %v", c.RTC.CredentialSlack)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected 15m access TTL, got %v", c.Auth.AccessTokenTTL)
	}
}

func TestHelpers(t *testing.T) {
	c := baseConfig()
	if got := c.HTTPAddr(); got != ":8080" {
		t.Fatalf("expected :8080, got %s", got)
	}
	if got := c.RedisAddr(); got != "localhost:6379" {
		t.Fatalf("expected localhost:6379, got %s", got)
	}
	if !strings.Contains(c.PostgresDSN(), "dbname=counsel") {
		t.Fatalf("dsn missing dbname: %s", c.PostgresDSN())
	}
}
