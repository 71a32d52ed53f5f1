// Package app assembles Bastion's components from configuration. Both the
// HTTP server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/bastion/internal/api"
	"github.com/kiranshivaraju/bastion/internal/api/handler"
	mw "github.com/kiranshivaraju/bastion/internal/api/middleware"
	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/audit"
	"github.com/kiranshivaraju/bastion/internal/authn"
	"github.com/kiranshivaraju/bastion/internal/cache"
	"github.com/kiranshivaraju/bastion/internal/config"
	"github.com/kiranshivaraju/bastion/internal/credential"
	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/internal/webhook"
)

// MigrationsDir is where PostgreSQL migrations are read from by default.
const MigrationsDir = "migrations"

// App holds the wired components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         store.Store
	Events        *events.Dispatcher
	Tokens        *token.Manager
	Authenticator *authn.Authenticator
	Audit         *audit.Recorder
	Webhooks      *webhook.Service
	// Cache is nil when REDIS_URL is unset.
	Cache    *cache.RedisCache
	Problems *response.Problems

	closeStore func()
}

type Option func(*options)

type options struct {
	migrationsDir string
}

// WithMigrationsDir overrides MigrationsDir.
func WithMigrationsDir(dir string) Option {
	return func(o *options) {
		o.migrationsDir = dir
	}
}

// New connects to the configured backends and wires every component. The
// caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{migrationsDir: MigrationsDir}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	secret, err := credential.ParseSecret(cfg.Auth.AppKey)
	if err != nil {
		return nil, err
	}
	codec, err := credential.NewCodec(secret)
	if err != nil {
		return nil, err
	}

	s, closeStore, err := store.Open(ctx, cfg.Database, o.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      s,
		Problems:   response.NewProblems(cfg.Errors.UseRFC7807, cfg.Errors.BaseURL),
		closeStore: closeStore,
	}

	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close()
			closeStore()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.Cache = rc
		logger.Info("redis connected")
	}

	a.Events = events.NewDispatcher(
		events.WithHandlerTimeout(cfg.Webhooks.Timeout),
		events.WithLogger(logger),
	)
	a.Audit = audit.NewRecorder(s, audit.WithLogger(logger))

	a.Events.Subscribe("log", events.LogHandler(logger))
	if cfg.Security.EnableAuditLogging {
		a.Events.Subscribe("audit", a.Audit.HandleEvent)
	}
	if a.Cache != nil {
		a.Events.Subscribe("redis", cache.EventHandler(a.Cache))
	}

	a.Tokens = token.NewManager(s, codec, a.Events,
		token.WithDefaultTTL(cfg.Auth.DefaultTokenTTL()),
		token.WithLogger(logger),
	)
	a.Authenticator = authn.New(a.Tokens, authn.Policy{
		EnforceEnvironment: cfg.Security.PreventTestTokensInProduction,
		Production:         cfg.Server.IsProduction(),
	}, a.Events,
		authn.WithUsageEvents(cfg.Security.EnableAuditLogging),
		authn.WithLogger(logger),
	)
	a.Webhooks = webhook.NewService(s,
		webhook.WithMaxFailures(cfg.Webhooks.MaxFailures),
		webhook.WithLogger(logger),
	)

	return a, nil
}

// Handler builds the HTTP router over the wired components.
func (a *App) Handler() http.Handler {
	// Interfaces stay nil rather than holding a nil *RedisCache.
	var limiterCache cache.Cache
	var cachePinger handler.Pinger
	if a.Cache != nil {
		limiterCache = a.Cache
		cachePinger = a.Cache
	}

	var recorder mw.AuditRecorder
	if a.Config.Security.EnableAuditLogging {
		recorder = a.Audit
	}

	tokens := handler.NewTokenHandler(a.Tokens, a.Problems, a.Logger)
	webhooks := handler.NewWebhookHandler(a.Webhooks, a.Problems, a.Logger)
	auditLogs := handler.NewAuditHandler(a.Audit, a.Problems, a.Logger)

	return api.NewRouter(api.Dependencies{
		Logger:   a.Logger,
		Problems: a.Problems,

		Auth:        mw.NewAuth(a.Authenticator, a.Problems, a.Logger),
		RateLimit:   mw.NewRateLimit(limiterCache, a.Config.RateLimits.Test, a.Config.RateLimits.Live, a.Problems, a.Logger),
		Audit:       recorder,
		IPRateLimit: a.Config.RateLimits.IP,
		CORSOrigins: a.Config.Server.CORSOrigins,

		HealthHandler: handler.Health(a.Store, cachePinger, a.Problems),
		WhoamiHandler: tokens.Whoami,
		ListTokens:    tokens.List,
		IssueToken:    tokens.Issue,
		RotateToken:   tokens.Rotate,
		RevokeToken:   tokens.Revoke,
		ListWebhooks:  webhooks.List,
		CreateWebhook: webhooks.Create,
		ListAuditLogs: auditLogs.List,
	})
}

// Close drains background work and releases connections. Usage side effects
// publish events, and events append audit entries, so they stop in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Authenticator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain authenticator: %w", err))
	}
	if err := a.Events.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Audit.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain audit recorder: %w", err))
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.closeStore()
	return errors.Join(errs...)
}
