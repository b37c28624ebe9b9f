// Package config loads corefacility settings from the environment. An
// optional .env file is read first; real environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Debug    bool
	HTTPAddr string
	// SecretKey keys the token signer and the JWT codes.
	SecretKey string

	Database Database
	Core     Core
	Auth     Auth
	Cookie   Cookie
	Redis    Redis
	Blob     Blob
	OAuth2   OAuth2
	Log      Log

	SnowflakeNode int64
	AutoMigrate   bool
}

// Database selects the relational engine. Dialect comes from QUERY_BUILDER_CLASS.
type Database struct {
	Dialect        string
	URL            string
	PostgresDriver string
}

// Core holds the CORE_* switches.
type Core struct {
	ProjectBaseDir        string
	UnixAdministration    bool
	SuggestAdministration bool
	EmailSupport          bool
}

// Auth holds token, throttling and recovery knobs.
type Auth struct {
	TokenLifetime          time.Duration
	FailureWindow          time.Duration
	FailureCeiling         int
	ActivationCodeLifetime time.Duration
}

// Cookie configures the cookie authorization module.
type Cookie struct {
	Name     string
	Features CookieFeatures
}

// CookieFeatures are the attributes parsed from COOKIE_FEATURES.
type CookieFeatures struct {
	Secure   bool
	HTTPOnly bool
	SameSite string
}

// Redis locates the optional shared failed-login counter.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Blob configures the file-field store.
type Blob struct {
	Driver      string
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// OAuth2 configures the external authorization module.
type OAuth2 struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// Log configures the structured logger.
type Log struct {
	Level  string
	Dev    bool
	File   string
	MaxAge time.Duration
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (Config, error) {
	features, err := ParseCookieFeatures(getEnv("COOKIE_FEATURES", "httponly,samesite=lax"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Debug:     getEnvBool("DEBUG", false),
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		SecretKey: getEnv("SECRET_KEY", ""),
		Database: Database{
			Dialect:        getEnv("QUERY_BUILDER_CLASS", "sqlite"),
			URL:            getEnv("DATABASE_URL", "corefacility.db"),
			PostgresDriver: getEnv("COREFACILITY_POSTGRES_DRIVER", "pgx"),
		},
		Core: Core{
			ProjectBaseDir:        getEnv("CORE_PROJECT_BASEDIR", ""),
			UnixAdministration:    getEnvBool("CORE_UNIX_ADMINISTRATION", false),
			SuggestAdministration: getEnvBool("CORE_SUGGEST_ADMINISTRATION", false),
			EmailSupport:          getEnvBool("EMAIL_SUPPORT", false),
		},
		Auth: Auth{
			TokenLifetime:          getEnvDuration("AUTH_TOKEN_LIFETIME", 30*time.Minute),
			FailureWindow:          getEnvDuration("AUTH_FAILURE_WINDOW", 10*time.Minute),
			FailureCeiling:         getEnvInt("AUTH_FAILURE_CEILING", 5),
			ActivationCodeLifetime: getEnvDuration("ACTIVATION_CODE_LIFETIME", 48*time.Hour),
		},
		Cookie: Cookie{
			Name:     getEnv("COOKIE_NAME", "corefacility"),
			Features: features,
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Blob: Blob{
			Driver:      getEnv("COREFACILITY_BLOB_DRIVER", "fs"),
			FSRoot:      getEnv("COREFACILITY_BLOB_FS_ROOT", "./blobdata"),
			S3Bucket:    getEnv("COREFACILITY_BLOB_S3_BUCKET", ""),
			S3Region:    getEnv("COREFACILITY_BLOB_S3_REGION", ""),
			S3Endpoint:  getEnv("COREFACILITY_BLOB_S3_ENDPOINT", ""),
			S3PathStyle: getEnvBool("COREFACILITY_BLOB_S3_PATH_STYLE", false),
		},
		OAuth2: OAuth2{
			ClientID:     getEnv("OAUTH2_GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH2_GOOGLE_CLIENT_SECRET", ""),
			AuthURL:      getEnv("OAUTH2_GOOGLE_AUTH_URL", "https://accounts.google.com/o/oauth2/auth"),
			TokenURL:     getEnv("OAUTH2_GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			UserInfoURL:  getEnv("OAUTH2_GOOGLE_USERINFO_URL", "https://www.googleapis.com/oauth2/v3/userinfo"),
			RedirectURL:  getEnv("OAUTH2_GOOGLE_REDIRECT_URL", ""),
			Scopes:       splitList(getEnv("OAUTH2_GOOGLE_SCOPES", "openid,email")),
			Timeout:      getEnvDuration("OAUTH2_TIMEOUT", 10*time.Second),
		},
		Log: Log{
			Level:  getEnv("LOG_LEVEL", ""),
			Dev:    getEnvBool("LOG_DEV", false),
			File:   getEnv("LOG_FILE", ""),
			MaxAge: getEnvDuration("LOG_MAX_AGE", 7*24*time.Hour),
		},
		SnowflakeNode: int64(getEnvInt("SNOWFLAKE_NODE", 1)),
		AutoMigrate:   getEnvBool("AUTO_MIGRATE", false),
	}
	if cfg.SecretKey == "" {
		if !cfg.Debug {
			return Config{}, fmt.Errorf("SECRET_KEY is required unless DEBUG is set")
		}
		cfg.SecretKey = "corefacility-debug-secret"
	}
	return cfg, nil
}

// ParseCookieFeatures parses a comma separated list such as
// "secure,httponly,samesite=strict".
func ParseCookieFeatures(raw string) (CookieFeatures, error) {
	var f CookieFeatures
	for _, item := range splitList(raw) {
		key, value, _ := strings.Cut(strings.ToLower(item), "=")
		switch key {
		case "secure":
			f.Secure = true
		case "httponly":
			f.HTTPOnly = true
		case "samesite":
			switch value {
			case "lax", "strict", "none":
				f.SameSite = value
			default:
				return CookieFeatures{}, fmt.Errorf("COOKIE_FEATURES: unknown samesite mode %q", value)
			}
		default:
			return CookieFeatures{}, fmt.Errorf("COOKIE_FEATURES: unknown feature %q", item)
		}
	}
	return f, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
