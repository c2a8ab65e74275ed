package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/capture"
	"github.com/JakeFAU/pagewatch/internal/classifier"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/dispatcher"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/headless"
	"github.com/JakeFAU/pagewatch/internal/headless/detector"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/lease"
	"github.com/JakeFAU/pagewatch/internal/logging"
	memorymailer "github.com/JakeFAU/pagewatch/internal/mailer/memory"
	pubsubmailer "github.com/JakeFAU/pagewatch/internal/mailer/pubsub"
	smtpmailer "github.com/JakeFAU/pagewatch/internal/mailer/smtp"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/storage/gcs"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/watch"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("pagewatch exited with error", zap.Error(err))
	}
	if syncErr := logger.Sync(); syncErr != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// handles owns every external client so shutdown can close them in order.
type handles struct {
	closers []func()
}

func (h *handles) add(fn func()) { h.closers = append(h.closers, fn) }

func (h *handles) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()
	var h handles
	defer h.close()

	clock := system.New()

	store, err := openStore(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	h.add(store.Close)

	images, err := local.New(local.Config{BaseDir: cfg.Storage.ImageDir})
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}

	var mirror capture.Mirror
	if cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		h.add(func() { _ = client.Close() })
		m, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("configure gcs mirror: %w", err)
		}
		mirror = m
	}

	renderer := headless.NewRenderer(headless.Config{
		ChromePath:        cfg.Headless.ChromePath,
		UserAgent:         cfg.Headless.UserAgent,
		EvasiveUserAgent:  cfg.Headless.EvasiveUserAgent,
		Width:             cfg.Headless.ViewportWidth,
		Height:            cfg.Headless.ViewportHeight,
		NavTimeout:        cfg.Headless.NavTimeout(),
		EvasiveNavTimeout: cfg.Headless.EvasiveNavTimeout(),
		NavRetries:        cfg.Headless.NavRetries,
		NavBackoff:        time.Duration(cfg.Headless.NavBackoffMs) * time.Millisecond,
		Settle:            time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
	}, logger.Named("headless"))

	captures, err := capture.New(
		renderer,
		detector.NewGate(cfg.Headless.MinBytes),
		images,
		mirror,
		sha256.New(),
		clock,
		capture.Options{MaxWidth: cfg.Headless.MaxWidth},
		logger.Named("capture"),
	)
	if err != nil {
		return fmt.Errorf("configure capture: %w", err)
	}

	classify, err := classifier.New(classifier.Config{
		Commands: map[string][]string{
			watch.PriceKind.Name:        classifier.SplitCommand(cfg.Classifier.PriceCommand),
			watch.AvailabilityKind.Name: classifier.SplitCommand(cfg.Classifier.AvailabilityCommand),
		},
		Timeout:        cfg.Classifier.Timeout(),
		MaxOutputBytes: cfg.Classifier.MaxOutputBytes,
	}, logger.Named("classifier"))
	if err != nil {
		return fmt.Errorf("configure classifier: %w", err)
	}

	mailer, err := openMailer(ctx, cfg, &h, logger)
	if err != nil {
		return err
	}

	leaser, err := openLease(ctx, cfg, &h, logger)
	if err != nil {
		return err
	}

	w := worker.New(store, captures, classify, captures, uuid.New(), clock, worker.Config{
		BatchSize:        cfg.Worker.BatchSize,
		FailureThreshold: cfg.Worker.FailureThreshold,
		DeleteOnFailure:  cfg.Worker.DeleteOnFailure,
	}, logger.Named("worker"))

	dispatch, err := dispatcher.New(store, mailer, logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("configure dispatcher: %w", err)
	}

	kinds, err := cfg.Worker.WatchKinds()
	if err != nil {
		return err
	}
	sched, err := scheduler.New(w, dispatch, store, leaser, clock, kinds, scheduler.Config{
		CaptureInterval:  cfg.Schedule.CaptureInterval,
		DispatchInterval: cfg.Schedule.DispatchInterval,
		SweepInterval:    cfg.Schedule.SweepInterval,
		MaxAge:           cfg.Schedule.MaxAge(),
	}, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("configure scheduler: %w", err)
	}

	port := cfg.Server.Port
	if raw := os.Getenv("PORT"); raw != "" {
		if p, convErr := strconv.Atoi(raw); convErr == nil && p > 0 {
			port = p
		}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewServer(store, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("ops server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, clock watch.Clock, logger *zap.Logger) (watch.Store, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set; in-memory store has no registration path, no targets will be checked")
		return memory.NewStore(clock), nil
	}
	if cfg.DB.Migrate {
		if err := postgres.Migrate(cfg.DB.DSN, logger.Named("migrate")); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return store, nil
}

func openMailer(ctx context.Context, cfg config.Config, h *handles, logger *zap.Logger) (watch.Mailer, error) {
	switch cfg.Mail.Transport {
	case config.TransportSMTP:
		m, err := smtpmailer.New(smtpmailer.Config{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.From,
			FromName: cfg.Mail.FromName,
		})
		if err != nil {
			return nil, fmt.Errorf("configure smtp mailer: %w", err)
		}
		return m, nil
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Mail.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		h.add(func() { _ = client.Close() })
		m, err := pubsubmailer.New(client.Topic(cfg.Mail.PubSub.TopicName), cfg.Mail.From)
		if err != nil {
			return nil, fmt.Errorf("configure pubsub mailer: %w", err)
		}
		h.add(m.Stop)
		return m, nil
	default:
		return memorymailer.New(logger.Named("mail")), nil
	}
}

func openLease(ctx context.Context, cfg config.Config, h *handles, logger *zap.Logger) (lease.Leaser, error) {
	if cfg.Lease.RedisAddr == "" {
		return lease.Noop{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lease.RedisAddr,
		Password: cfg.Lease.Password,
		DB:       cfg.Lease.DB,
	})
	h.add(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis lease enabled", zap.String("addr", cfg.Lease.RedisAddr), zap.Duration("ttl", cfg.Lease.TTL))
	l, err := lease.NewRedis(client, cfg.Lease.TTL)
	if err != nil {
		return nil, fmt.Errorf("configure lease: %w", err)
	}
	return l, nil
}
