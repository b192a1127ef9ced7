package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"quotawarden/internal/admin"
	"quotawarden/internal/api"
	"quotawarden/internal/archive"
	"quotawarden/internal/config"
	"quotawarden/internal/engine"
	"quotawarden/internal/export"
	"quotawarden/internal/lock"
	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/policy"
	"quotawarden/internal/reconcile"
	"quotawarden/internal/renewal"
	"quotawarden/internal/store"
)

type App struct {
	Config      config.Config
	Logger      *logrus.Logger
	Rules       policy.Rules
	Accounts    *opstore.Store
	Billing     *store.Store
	Lock        *lock.RedisLock
	FileLock    *lock.FileLock
	Engine      *engine.Controller
	Archiver    *archive.Archiver
	Observer    *observability.EnforcementObserver
	Admin       *admin.Service
	Enforcement *reconcile.Service
	Renewal     *renewal.Job
	Uploader    *export.Uploader
}

// New opens both stores and builds every service from cfg. The engine
// database is not touched until the first operation needs it.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.Log.Level, cfg.Log.Format, nil)
	}

	rules := policy.Default()
	if cfg.Policy.Path != "" {
		var err error
		if rules, err = policy.Load(cfg.Policy.Path); err != nil {
			return nil, err
		}
	}
	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, err
	}
	resetMode, err := opstore.ParseResetMode(cfg.Engine.ResetMode)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Rules: rules}

	a.Billing, err = store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.Billing.Logger = logger
	if err := a.Billing.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Accounts = opstore.New(cfg.Engine.DBPath, opstore.Options{BusyTimeout: cfg.Engine.BusyTimeout})

	engineOpts := engine.Options{
		StopCommand:  cfg.Engine.StopCommand,
		StartCommand: cfg.Engine.StartCommand,
		StopSettle:   cfg.Engine.StopSettle,
		StartSettle:  cfg.Engine.StartSettle,
		Logger:       logger.WithField("component", "engine"),
	}
	if cfg.Redis.URL != "" {
		a.Lock, err = lock.New(cfg.Redis.URL, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		engineOpts.Locker = a.Lock
	} else {
		// every binary on the host takes this before stopping the engine
		a.FileLock = lock.NewFile(cfg.EngineLockPath())
		engineOpts.Locker = a.FileLock
	}
	a.Engine = engine.NewController(engineOpts)

	a.Archiver = archive.New(a.Accounts, a.Billing, logger.WithField("component", "archive"))
	a.Observer = observability.NewEnforcementObserver(logger.WithField("component", "enforcement"))

	a.Admin = admin.NewService(a.Accounts, a.Billing, a.Archiver, a.Engine, admin.Options{
		Rules:     rules,
		Location:  loc,
		CycleDays: cfg.Billing.CycleDays,
		ResetMode: resetMode,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    logger.WithField("component", "admin"),
	})

	a.Enforcement = reconcile.NewService(a.Accounts, a.Engine, logger.WithField("component", "enforcement"))
	a.Enforcement.Observer = a.Observer
	a.Enforcement.Interval = cfg.Enforcement.Interval

	a.Renewal = renewal.New(a.Accounts, a.Billing, a.Archiver, a.Engine, logger.WithField("component", "renewal"))
	a.Renewal.ResetMode = resetMode
	a.Renewal.Location = loc

	if cfg.ObjectStore.URL != "" {
		a.Uploader, err = export.NewUploader(cfg.ObjectStore.URL, cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey, cfg.ObjectStore.Bucket, cfg.ObjectStore.UseSSL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Close() error {
	var err error
	if a.Billing != nil {
		err = a.Billing.Close()
	}
	if a.Lock != nil {
		_ = a.Lock.Close()
	}
	return err
}

// Ready reports whether the billing store and, when configured, the lock
// backend answer. A missing engine database does not make the process unready.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Billing.Ping(ctx); err != nil {
		return err
	}
	if a.Lock != nil {
		if err := a.Lock.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Handler() *api.Handler {
	return api.NewHandler(a.Admin, api.Options{
		APIKey:       a.Config.Security.APIKey,
		AllowOrigins: a.Config.Security.AllowOrigins,
		RateLimit:    a.Config.Security.RateLimit,
		RateBurst:    a.Config.Security.RateBurst,
		Ready:        a.Ready,
		Enforcement:  a.Observer,
		Uploader:     a.Uploader,
		Logger:       a.Logger.WithField("component", "api"),
	})
}

// Serve runs the HTTP API, plus the enforcement loop when enabled, until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Enforcement.Enabled {
		a.Enforcement.Start(ctx)
		defer a.Enforcement.Stop()
	}

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler().Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.Logger.WithField("addr", srv.Addr).Info("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
