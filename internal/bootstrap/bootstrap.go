// Package bootstrap wires the service components from configuration.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"trustcase-svc/internal/api"
	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/config"
	"trustcase-svc/internal/datastore"
	"trustcase-svc/internal/engine"
	"trustcase-svc/internal/lifecycle"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/upgrade"
)

// App holds every wired component.
type App struct {
	Config    *config.Config
	Store     store.Store
	Audit     *audit.Logger
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Upgrade   *upgrade.Service
	Resolver  *notify.Resolver
	Notifier  *notify.Service
	Auth      *auth.Authenticator
	Signer    *auth.Signer
	Log       *slog.Logger
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	now   func() time.Time
	store store.Store
}

// WithClock replaces the wall clock in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// NewLogger returns a text logger at the named level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// New validates cfg, opens the store and builds the components.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	s := o.store
	if s == nil {
		dsCfg, err := cfg.DataStoreConfig()
		if err != nil {
			return nil, err
		}
		s, err = datastore.NewDataStore(dsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize data store: %w", err)
		}
	}

	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 && cfg.IsMemoryMode() {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		log.Warn("no auth.token_secret set, using an ephemeral secret for the in-memory store",
			"fingerprint", hex.EncodeToString(secret[:4]))
	}
	signer := auth.NewSigner(secret, cfg.Auth.SessionTTL).WithClock(o.now)

	auditLog := audit.NewLogger(s, o.now)
	resolver := notify.NewResolver(s)
	notifier := notify.NewService(resolver, notify.DefaultCatalog(), newDispatcher(cfg.Notify, log), cfg.Notify.Timeout, log)

	return &App{
		Config: cfg,
		Store:  s,
		Audit:  auditLog,
		Engine: engine.New(s, auditLog,
			engine.WithClock(o.now),
			engine.WithPaymentWindow(cfg.Payment.Deadline),
			engine.WithNotifier(notifier),
			engine.WithLogger(log),
		),
		Lifecycle: lifecycle.NewManager(s, auditLog,
			lifecycle.WithClock(o.now),
			lifecycle.WithNotifier(notifier),
			lifecycle.WithLogger(log),
		),
		Upgrade:  upgrade.NewService(s, auditLog, o.now).WithLogger(log),
		Resolver: resolver,
		Notifier: notifier,
		Auth:     auth.NewAuthenticator(signer, cfg.Auth.SystemKey, auth.DefaultChain()),
		Signer:   signer,
		Log:      log,
	}, nil
}

func newDispatcher(cfg config.NotifyConfig, log *slog.Logger) *notify.Dispatcher {
	client := notify.NewHTTPClient(cfg.Timeout)
	opts := []notify.DispatcherOption{
		notify.WithRetryDelay(cfg.RetryDelay),
		notify.WithDispatchLogger(log),
	}
	if cfg.PushRelayURL != "" {
		opts = append(opts, notify.WithChannel(notify.TargetPush, &notify.PushRelay{
			URL: cfg.PushRelayURL, Token: cfg.PushRelayToken, Client: client,
		}))
	} else {
		log.Info("push relay not configured, web push disabled")
	}
	if cfg.LineChannelToken != "" {
		opts = append(opts, notify.WithChannel(notify.TargetLine, &notify.LineClient{
			BaseURL: cfg.LineAPIBase, ChannelToken: cfg.LineChannelToken, Client: client,
		}))
	} else {
		log.Info("LINE channel token not configured, LINE push disabled")
	}
	return notify.NewDispatcher(opts...)
}

// Server returns the HTTP surface.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Engine:    a.Engine,
		Lifecycle: a.Lifecycle,
		Upgrade:   a.Upgrade,
		Resolver:  a.Resolver,
		Auth:      a.Auth,
		Logger:    a.Log,
	}, api.Options{
		AllowedOrigins: a.Config.HTTP.AllowedOrigins,
		CookieSecure:   a.Config.HTTP.CookieSecure,
		CookieDomain:   a.Config.HTTP.CookieDomain,
	})
}

// InitSchema creates the tables if they do not exist.
func (a *App) InitSchema(ctx context.Context) error {
	return a.Store.InitSchema(ctx)
}

// Close waits for in-flight notifications and closes the store.
func (a *App) Close() error {
	a.Notifier.Wait()
	return a.Store.Close()
}
