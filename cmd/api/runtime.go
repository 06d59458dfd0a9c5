package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threadline/api/internal/app"
	"threadline/api/internal/archive"
	"threadline/api/internal/attachment"
	"threadline/api/internal/config"
	"threadline/api/internal/dedupe"
	"threadline/api/internal/email"
	"threadline/api/internal/events"
	"threadline/api/internal/linkpreview"
	"threadline/api/internal/metrics"
	"threadline/api/internal/notify"
	"threadline/api/internal/store"
)

// runtime is one wired process: stores, services and the event bus.
type runtime struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	db        *sql.DB
	redis     *redis.Client
	bus       events.Bus
	queue     *events.WatermillBus
	archiver  *archive.Scheduler
	readiness map[string]app.Pinger
	migrated  []string

	threads  *app.ThreadService
	messages *app.MessageService
	inbox    *app.InboxService
}

// buildRuntime wires everything from cfg. async puts handlers behind the
// watermill queue; one-shot commands run them inline.
func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger, async bool) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, metrics: metrics.New(), readiness: map[string]app.Pinger{}}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	st, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.readiness["database"] = st

	dispatchOpts, providers, err := rt.notificationStack(ctx, st)
	if err != nil {
		return nil, err
	}

	var uploader app.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := attachment.NewMinioStorage(ctx, attachment.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			return nil, err
		}
		rt.readiness["object_storage"] = objects
		uploader = attachment.NewService(objects, cfg.AttachmentMaxBytes)
	} else {
		logger.Info("attachments_disabled", zap.String("reason", "MINIO_ENDPOINT not set"))
	}

	if async {
		queue, err := events.NewWatermillBus(logger, events.WatermillOptions{MaxRetries: cfg.NotifyMaxRetries})
		if err != nil {
			return nil, err
		}
		rt.queue = queue
		rt.bus = queue
	} else {
		rt.bus = events.NewSyncBus(logger)
	}

	participants := app.NewParticipantService(st, nil, logger, rt.metrics)
	rt.threads = app.NewThreadService(st, participants, rt.bus, app.ThreadServiceOptions{
		AutoArchiveAfterDays: cfg.ArchiveAfterDays,
		Logger:               logger,
		Metrics:              rt.metrics,
	})
	var previewOpts []linkpreview.Option
	if cfg.LinkPreviewAllowPrivate {
		logger.Warn("link_preview_private_networks_allowed")
		previewOpts = append(previewOpts, linkpreview.AllowPrivateNetworks())
	}
	rt.messages = app.NewMessageService(st, rt.bus, app.MessageServiceOptions{
		Uploader:  uploader,
		Previewer: linkpreview.NewFetcher(cfg.LinkPreviewTimeout, previewOpts...),
		Logger:    logger,
		Metrics:   rt.metrics,
	})
	rt.inbox = app.NewInboxService(st)

	dispatcher := notify.NewDispatcher(st, providers, dispatchOpts)
	app.RegisterHandlers(rt.bus, participants, dispatcher, logger)

	archiver, err := archive.NewScheduler(rt.threads, cfg.ArchiveCron, logger, rt.metrics)
	if err != nil {
		return nil, err
	}
	rt.archiver = archiver
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) (app.Store, error) {
	if strings.TrimSpace(rt.cfg.DatabaseURL) == "" {
		rt.logger.Warn("database_not_configured", zap.String("fallback", "memory"))
		return store.NewMemoryStore(), nil
	}
	db, err := store.Open(ctx, rt.cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: rt.cfg.DBMaxConns})
	if err != nil {
		return nil, err
	}
	rt.db = db
	applied, err := store.ApplyMigrations(ctx, db, rt.cfg.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	rt.migrated = applied
	if len(applied) > 0 {
		rt.logger.Info("migrations_applied", zap.Strings("versions", applied))
	}
	return store.NewPostgresStore(db), nil
}

// notificationStack picks the debounce/ledger backend and the providers.
// Push needs Redis; email needs SMTP.
func (rt *runtime) notificationStack(ctx context.Context, st app.Store) (notify.Options, []notify.Provider, error) {
	opts := notify.Options{Logger: rt.logger, Metrics: rt.metrics}
	providers := []notify.Provider{notify.NewInApp(st)}
	dedupeOpts := dedupe.Options{
		Interval:    rt.cfg.NotifyDebounce,
		DebounceTTL: rt.cfg.NotifyDebounceTTL,
		LedgerTTL:   rt.cfg.NotifyLedgerTTL,
	}

	if strings.TrimSpace(rt.cfg.RedisURL) != "" {
		parsed, err := redis.ParseURL(rt.cfg.RedisURL)
		if err != nil {
			return opts, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rt.redis = redis.NewClient(parsed)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.redis.Ping(pingCtx).Err(); err != nil {
			return opts, nil, fmt.Errorf("connect to redis: %w", err)
		}
		shared := dedupe.NewRedisStoreWithClient(rt.redis, dedupeOpts)
		opts.Debouncer = shared
		opts.Ledger = shared
		rt.readiness["redis"] = shared
		providers = append(providers, notify.NewPush(rt.redis))
	} else {
		local := dedupe.NewMemoryStore(dedupeOpts)
		opts.Debouncer = local
		opts.Ledger = local
	}

	mailer := email.NewService(email.Config{
		Host:     rt.cfg.SMTPHost,
		Port:     rt.cfg.SMTPPort,
		Username: rt.cfg.SMTPUsername,
		Password: rt.cfg.SMTPPassword,
		From:     rt.cfg.SMTPFrom,
		FromName: rt.cfg.SMTPFromName,
		AppURL:   rt.cfg.AppURL,
	})
	if mailer.IsConfigured() {
		providers = append(providers, notify.NewEmail(mailer, st, rt.cfg.AppURL))
	}
	return opts, providers, nil
}

func (rt *runtime) httpServer() *app.HTTPServer {
	return app.NewHTTPServer(rt.threads, rt.messages, rt.inbox, rt.archiver, rt.metrics, rt.logger, app.HTTPConfig{
		TokenSecret:     []byte(rt.cfg.JWTSecret),
		CORSOrigin:      rt.cfg.CORSOrigin,
		MaxUploadBytes:  rt.cfg.AttachmentMaxBytes,
		ReadinessChecks: rt.readiness,
	})
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.queue != nil {
		errs = append(errs, rt.queue.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	return errors.Join(errs...)
}
