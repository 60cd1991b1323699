package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vosiander/llm-key-requestor/pkg/api"
	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/config"
	"github.com/vosiander/llm-key-requestor/pkg/credentials"
	"github.com/vosiander/llm-key-requestor/pkg/executor"
	"github.com/vosiander/llm-key-requestor/pkg/notify"
	"github.com/vosiander/llm-key-requestor/pkg/observability"
	"github.com/vosiander/llm-key-requestor/pkg/reconcile"
	"github.com/vosiander/llm-key-requestor/pkg/service"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

// app holds every wired component of one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	obs       *observability.Provider
	store     store.Store
	engine    *approval.Engine
	executor  *executor.Executor
	processor *reconcile.Processor
	service   *service.KeyService
	handler   http.Handler
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if strings.EqualFold(cfg.Server.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

// build wires the components in dependency order: store, notifier, issuer,
// plugin chain, engine, executor, processor, service, HTTP.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, obs: observability.Noop()}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	if cfg.Telemetry.Enabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.ServiceVersion = version
		if cfg.Telemetry.Endpoint != "" {
			oc.OTLPEndpoint = cfg.Telemetry.Endpoint
		}
		if a.obs, err = observability.New(ctx, oc); err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	var storeOpts []store.Option
	if cfg.Store.EncryptionKey != "" {
		sealer, err := store.NewSealerFromBase64(cfg.Store.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("store encryption key: %w", err)
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}
	a.store, err = store.Open(ctx, store.Config{
		Backend:       cfg.Store.Backend,
		DSN:           cfg.Store.DSN,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		RedisPrefix:   cfg.Store.RedisPrefix,
	}, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.InfoContext(ctx, "store ready", "backend", cfg.Store.Backend)

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	gateway := credentials.NewLiteLLM(credentials.LiteLLMConfig{
		BaseURL:   cfg.LiteLLM.BaseURL,
		MasterKey: cfg.LiteLLM.APIKey,
	})

	plugins, err := approval.Build(cfg.Approval.Plugins, approval.Dependencies{
		Reviewer: notifier,
		Logger:   component(logger, "approval"),
	})
	if err != nil {
		return nil, err
	}
	a.engine = approval.NewEngine(plugins,
		approval.WithObservability(a.obs),
		approval.WithLogger(component(logger, "approval")))
	if len(plugins) == 0 {
		logger.WarnContext(ctx, "no approval plugins configured, every request will be denied")
	}
	logger.InfoContext(ctx, "approval chain ready", "plugins", a.engine.Plugins())

	a.executor = executor.New(a.store, gateway, notifier, gateway.BaseURL(),
		executor.WithObservability(a.obs),
		executor.WithLogger(component(logger, "executor")))

	a.processor = reconcile.New(a.store, a.engine, a.executor,
		reconcile.WithInterval(reconcile.IntervalOrDefault(cfg.Approval.QueueInterval, logger)),
		reconcile.WithObservability(a.obs),
		reconcile.WithLogger(component(logger, "reconcile")))

	var source service.ModelSource
	if cfg.LiteLLM.ModelsEnabled() {
		source = gateway
	}
	a.service = service.New(a.store, a.executor,
		service.WithCatalog(service.NewCatalog(cfg.Models, source)),
		service.WithObservability(a.obs),
		service.WithLogger(component(logger, "service")))

	serverOpts := []api.Option{
		api.WithAdminAuth(&api.AdminAuth{
			Username:     cfg.Admin.Username,
			PasswordHash: cfg.Admin.PasswordHash,
			JWTSecret:    []byte(cfg.Admin.JWTSecret),
		}),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithLogger(component(logger, "api")),
	}
	if cfg.Server.RequestsPerMinute > 0 {
		serverOpts = append(serverOpts, api.WithRateLimiter(api.NewIPRateLimiter(cfg.Server.RequestsPerMinute)))
	}
	if cfg.Admin.PasswordHash == "" && cfg.Admin.JWTSecret == "" {
		logger.WarnContext(ctx, "admin authentication not configured, admin routes are closed")
	}
	a.handler = api.NewServer(a.service, serverOpts...)
	return a, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.SMTP.Disabled {
		logger.Warn("smtp disabled, notifications are only logged")
		return notify.NewLog(component(logger, "notify")), nil
	}
	smtp, err := notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		UseTLS:   cfg.SMTP.UseTLS,
	}, component(logger, "notify"))
	if err != nil {
		return nil, fmt.Errorf("smtp notifier: %w", err)
	}
	return smtp, nil
}

// Close releases the store and flushes telemetry. It is safe on a partially
// built app.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WarnContext(ctx, "shutdown incomplete", "error", err)
	}
}
