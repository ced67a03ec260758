package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andyy0123/inbox-connector/internal/auth"
	"github.com/andyy0123/inbox-connector/internal/config"
	"github.com/andyy0123/inbox-connector/internal/crypto"
	natsjs "github.com/andyy0123/inbox-connector/internal/nats"
	"github.com/andyy0123/inbox-connector/internal/providers"
	"github.com/andyy0123/inbox-connector/internal/store"
	"github.com/andyy0123/inbox-connector/internal/sync"
	"github.com/andyy0123/inbox-connector/internal/tenant"
)

// app holds the wired service components.
type app struct {
	cfg       *config.Config
	store     *store.SQLStore
	registry  *tenant.Registry
	engine    *sync.Engine
	driver    *sync.Driver
	publisher *natsjs.Publisher
}

func setupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))

	return f, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	var secret crypto.SecretProvider = crypto.StaticSecret(cfg.MasterKey)
	if cfg.MasterKeyFile != "" {
		secret = crypto.FileSecret(cfg.MasterKeyFile)
	}

	keys, err := crypto.NewKeyring(ctx, secret)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLStore(store.Options{
		Root:    filepath.Join(cfg.DataDir, "tenants"),
		Driver:  cfg.Store.Driver,
		BlobKey: keys.BlobKey,
		Logger:  logrus.WithField("pkg", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: st}

	router := providers.New(providers.Options{
		ClientTTL:   cfg.Provider.ClientTTL,
		RateLimit:   rate.Limit(cfg.Provider.RateLimit),
		RateBurst:   cfg.Provider.RateBurst,
		CallTimeout: cfg.Provider.CallTimeout,
		GraphURL:    cfg.Provider.GraphURL,
		Logger:      logrus.WithField("pkg", "providers"),
	})

	a.registry = tenant.NewRegistry(st, keys, router, logrus.WithField("pkg", "tenant"))

	opts := sync.Options{
		Workers:          cfg.Sync.Workers,
		UserTimeout:      cfg.Sync.UserTimeout,
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		BreakerCooldown:  cfg.Sync.BreakerCooldown,
		Logger:           logrus.WithField("pkg", "sync"),
	}

	if cfg.NATS.URL != "" {
		a.publisher, err = natsjs.NewPublisher(cfg.NATS.URL, logrus.WithField("pkg", "nats"))
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.publisher.EnsureStream(ctx); err != nil {
			a.Close()
			return nil, err
		}
		opts.Publisher = a.publisher
	}

	a.engine = sync.NewEngine(st, router, a.registry, opts)
	a.driver = sync.NewDriver(a.engine)

	return a, nil
}

func (a *app) verifier(ctx context.Context) (*auth.JWTVerifier, error) {
	if a.cfg.Auth.JWKSURL == "" {
		return nil, nil
	}

	return auth.NewJWTVerifier(ctx, a.cfg.Auth.JWKSURL, auth.Options{
		Issuer:   a.cfg.Auth.Issuer,
		Audience: a.cfg.Auth.Audience,
	})
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close store")
	}
}
