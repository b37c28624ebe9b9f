package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DEBUG", "true")
	t.Setenv("SECRET_KEY", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Database.Dialect != "sqlite" {
		t.Fatalf("expected sqlite dialect by default, got %s", cfg.Database.Dialect)
	}
	if cfg.SecretKey == "" {
		t.Fatal("expected debug secret to be filled in")
	}
	if cfg.Auth.FailureCeiling != 5 || cfg.Auth.FailureWindow != 10*time.Minute {
		t.Fatalf("unexpected throttle defaults %+v", cfg.Auth)
	}
	if !cfg.Cookie.Features.HTTPOnly || cfg.Cookie.Features.SameSite != "lax" {
		t.Fatalf("unexpected cookie defaults %+v", cfg.Cookie.Features)
	}
}

func TestFromEnvRecognizedKeys(t *testing.T) {
	t.Setenv("SECRET_KEY", "s3cr3t")
	t.Setenv("QUERY_BUILDER_CLASS", "postgres")
	t.Setenv("EMAIL_SUPPORT", "true")
	t.Setenv("CORE_PROJECT_BASEDIR", "/srv/projects")
	t.Setenv("CORE_UNIX_ADMINISTRATION", "1")
	t.Setenv("CORE_SUGGEST_ADMINISTRATION", "false")
	t.Setenv("COOKIE_NAME", "cf")
	t.Setenv("COOKIE_FEATURES", "secure,samesite=strict")
	t.Setenv("AUTH_FAILURE_CEILING", "3")
	t.Setenv("AUTH_FAILURE_WINDOW", "90s")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Database.Dialect != "postgres" || !cfg.Core.EmailSupport || cfg.Core.ProjectBaseDir != "/srv/projects" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Core.UnixAdministration || cfg.Core.SuggestAdministration {
		t.Fatalf("unexpected administration flags %+v", cfg.Core)
	}
	if cfg.Cookie.Name != "cf" || !cfg.Cookie.Features.Secure || cfg.Cookie.Features.HTTPOnly || cfg.Cookie.Features.SameSite != "strict" {
		t.Fatalf("unexpected cookie config %+v", cfg.Cookie)
	}
	if cfg.Auth.FailureCeiling != 3 || cfg.Auth.FailureWindow != 90*time.Second {
		t.Fatalf("unexpected throttle config %+v", cfg.Auth)
	}
}

func TestFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("DEBUG", "false")
	t.Setenv("SECRET_KEY", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected missing secret to fail outside debug mode")
	}
}

func TestParseCookieFeaturesRejectsUnknown(t *testing.T) {
	if _, err := ParseCookieFeatures("secure,partitioned"); err == nil {
		t.Fatal("expected unknown feature error")
	}
	if _, err := ParseCookieFeatures("samesite=sometimes"); err == nil {
		t.Fatal("expected unknown samesite error")
	}
}
