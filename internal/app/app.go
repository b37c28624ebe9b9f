// Package app wires the corefacility process together: configuration,
// logging, storage, the module registry, the authorization pipeline and the
// HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"corefacility/internal/api"
	"corefacility/internal/audit"
	"corefacility/internal/auth"
	"corefacility/internal/blob"
	blobcore "corefacility/internal/blob/core"
	"corefacility/internal/config"
	"corefacility/internal/entity"
	"corefacility/internal/infra/persistence"
	"corefacility/internal/logging"
	"corefacility/internal/metrics"
	"corefacility/internal/modules"
)

// App is a fully wired corefacility process.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	DB       *persistence.Database
	Blobs    blobcore.Store
	Metrics  *metrics.PrometheusRecorder
	Registry *modules.Registry
	Tokens   *auth.Tokens
	Handler  http.Handler

	redis *redis.Client
}

// OpenDatabase connects to the configured database.
func OpenDatabase(ctx context.Context, cfg config.Config) (*persistence.Database, error) {
	return persistence.Open(ctx, persistence.Config{
		Dialect:        cfg.Database.Dialect,
		DSN:            cfg.Database.URL,
		PostgresDriver: cfg.Database.PostgresDriver,
	})
}

// New builds the process from cfg. The registry is autoloaded, so the schema
// must exist unless cfg.AutoMigrate is set.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewPrometheusRecorder()}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.DB = db
	if cfg.AutoMigrate {
		if err := db.MigrateUp(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Logger.Info("schema migrated", zap.String("dialect", cfg.Database.Dialect))
	}

	a.Blobs, err = blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	a.Registry, err = modules.NewRegistry(modules.DefaultCatalog(),
		modules.WithEnvironment(modules.Environment{EmailSupport: cfg.Core.EmailSupport}),
		modules.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := a.Registry.Autoload(ctx, a.Session()); err != nil {
		return err
	}

	key := []byte(cfg.SecretKey)
	a.Tokens = auth.NewTokens(auth.NewSigner(key), cfg.Auth.TokenLifetime, a.Logger)
	throttleOpts := []auth.ThrottleOption{auth.WithThrottleLogger(a.Logger)}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		throttleOpts = append(throttleOpts, auth.WithRedis(a.redis))
	}
	throttle := auth.NewThrottle(cfg.Auth.FailureWindow, cfg.Auth.FailureCeiling, throttleOpts...)
	standard := auth.NewStandard(a.Tokens, throttle, a.Logger)
	cookie := auth.NewCookie(a.Tokens, cfg.Cookie)
	impls := []auth.Module{
		standard,
		auth.NewPasswordRecovery(a.Registry, key, cfg.Auth.ActivationCodeLifetime, a.Logger),
		cookie,
	}
	if cfg.OAuth2.ClientID != "" {
		impls = append(impls, auth.NewOAuth2(a.Registry, auth.OAuth2Config{
			AppClass: modules.GoogleAuthClass,
			Provider: "google",
			OAuth: oauth2.Config{
				ClientID:     cfg.OAuth2.ClientID,
				ClientSecret: cfg.OAuth2.ClientSecret,
				Endpoint:     oauth2.Endpoint{AuthURL: cfg.OAuth2.AuthURL, TokenURL: cfg.OAuth2.TokenURL},
				RedirectURL:  cfg.OAuth2.RedirectURL,
				Scopes:       cfg.OAuth2.Scopes,
			},
			UserInfoURL: cfg.OAuth2.UserInfoURL,
			Timeout:     cfg.OAuth2.Timeout,
		}, key, a.Logger))
	}

	node, err := audit.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	a.Handler = api.NewRouter(api.Deps{
		Sessions:       a.Session,
		Registry:       a.Registry,
		Pipeline:       auth.NewPipeline(a.Registry, a.Logger, impls...),
		Standard:       standard,
		Cookie:         cookie,
		Audit:          audit.NewMiddleware(a.Session, node, cfg.Debug, a.Logger),
		Metrics:        a.Metrics.Handler(),
		Logger:         a.Logger,
		ProjectBaseDir: cfg.Core.ProjectBaseDir,
	})
	return nil
}

// Session returns a new session on the application database.
func (a *App) Session() *entity.Session {
	return entity.NewSession(a.DB,
		entity.WithBlobStore(a.Blobs),
		entity.WithLogger(a.Logger),
		entity.WithMetrics(a.Metrics))
}

// Serve listens on cfg.HTTPAddr until ctx is cancelled, then shuts the
// server down gracefully. Expired tokens are purged in the background.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go a.purgeTokens(ctx, a.Config.Auth.TokenLifetime)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (a *App) purgeTokens(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Tokens.ClearExpired(ctx, a.Session())
			if err != nil {
				a.Logger.Warn("expired tokens not cleared", zap.Error(err))
				continue
			}
			if n > 0 {
				a.Logger.Debug("expired tokens cleared", zap.Int64("count", n))
			}
		}
	}
}

// Close releases every resource New acquired.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
