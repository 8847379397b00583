package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"token-file-drop/internal/config"
	"token-file-drop/internal/db"
	"token-file-drop/internal/server"
	"token-file-drop/internal/transfer"
	"token-file-drop/internal/workpool"
)

const (
	shutdownTimeout = 5 * time.Second
	connectTimeout  = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet: its format is part of the configuration.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := server.NewLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level, cfg.Production())
	log := logger.WithField("service", "backend")
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	// SIGINT (Ctrl+C) or SIGTERM (container stop) starts a graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	err = a.run(ctx)
	a.close()
	if err != nil {
		log.WithError(err).Error("server error")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// app owns every long-lived component.
type app struct {
	cfg     config.Config
	log     *logrus.Entry
	service *transfer.Service
	pool    *workpool.Pool
	metrics *server.Metrics
	server  *server.Server
	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger.WithField("service", "backend")}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	tokens, err := transfer.NewTokenAuthority([]byte(cfg.Tokens.Secret), transfer.WithIssuer(cfg.Tokens.Issuer))
	if err != nil {
		return nil, fmt.Errorf("token authority: %w", err)
	}
	a.service, err = transfer.NewService(transfer.Config{
		Root:               cfg.Storage.Dir,
		UploadBufferSize:   cfg.Storage.UploadBufferBytes,
		DownloadBufferSize: cfg.Storage.DownloadBufferBytes,
		TokenTTL:           cfg.Tokens.TTL,
	}, tokens, logrus.NewEntry(logger))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a.pool = workpool.New(workpool.Config{
		Workers:    cfg.Pool.Workers,
		QueueDepth: cfg.Pool.QueueDepth,
		Policy:     cfg.Pool.Policy,
	}, logrus.NewEntry(logger))
	a.closers = append(a.closers, a.pool.Close)
	a.metrics = server.NewMetrics(a.pool, cfg.Build)

	events, err := a.openEvents()
	if err != nil {
		return nil, err
	}
	mirror, err := a.openMirror(ctx, logger)
	if err != nil {
		return nil, err
	}

	a.server = server.New(server.Config{
		Addr:               cfg.Addr,
		Build:              cfg.Build,
		Service:            a.service,
		Pool:               a.pool,
		Events:             events,
		Mirror:             mirror,
		Metrics:            a.metrics,
		Log:                logger,
		Auth:               server.UploadAuth{User: cfg.Auth.UploadUser, PassHash: cfg.Auth.UploadPassHash},
		CORSOrigin:         cfg.CORSOrigin,
		MaxUploadBytes:     cfg.Storage.MaxUploadBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustProxy:         cfg.TrustProxy,
	})

	a.log.WithFields(logrus.Fields{
		"storage":     a.service.Config().Root,
		"workers":     cfg.Pool.Workers,
		"queue_depth": cfg.Pool.QueueDepth,
		"policy":      cfg.Pool.Policy.String(),
		"token_ttl":   cfg.Tokens.TTL.String(),
	}).Info("configured")
	ok = true
	return a, nil
}

// openEvents connects the audit trail. An empty DATABASE_URL disables it.
func (a *app) openEvents() (*db.EventStore, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil
	}
	conn, err := db.OpenDB(a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })

	a.log.Info("running migrations")
	if err := db.RunMigrations(conn); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a.log.Info("migrations complete")
	return db.NewEventStore(conn), nil
}

// openMirror connects the object store mirror when SFD_S3_* is set. A
// configured but unreachable bucket is a startup error.
func (a *app) openMirror(ctx context.Context, logger *logrus.Logger) (*server.Mirror, error) {
	if !a.cfg.Mirror.Enabled() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := server.NewMinioClient(ctx, a.cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	a.log.WithField("bucket", a.cfg.Mirror.Bucket).Info("mirror enabled")
	mirror := server.NewMirror(client, a.cfg.Mirror.Bucket, a.service, server.MirrorPoolConfig{}, a.metrics, logrus.NewEntry(logger))
	a.closers = append(a.closers, mirror.Close)
	return mirror, nil
}

// run serves until ctx is cancelled or the listener fails, then shuts the
// server down and waits for the cleanup job.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		server.StartCleanupJob(gctx, server.CleanupConfig{
			Enabled:  a.cfg.Cleanup.Enabled,
			Interval: a.cfg.Cleanup.Interval,
			MaxAge:   a.cfg.Cleanup.MaxAge,
			Service:  a.service,
			Metrics:  a.metrics,
			Log:      a.log,
		})
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		// In-flight transfers get shutdownTimeout to finish. Any still open
		// after that are cut, and the deadline error makes the exit status 1.
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	return g.Wait()
}

// close releases everything newApp acquired, newest first. Closing the pool
// waits for queued mirror copies.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
