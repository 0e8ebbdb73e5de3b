package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"signflow/artifacts"
	"signflow/auth"
	"signflow/config"
	"signflow/crm"
	"signflow/db"
	"signflow/metrics"
	"signflow/notify"
	"signflow/outbox"
	"signflow/overlay"
	"signflow/signing"
	"signflow/storage"
	"signflow/templates"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SIGNFLOW_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := newLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("signflow stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting signflow", "config", cfg.LogSummary())

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	registry, err := templates.Load(cfg.TemplatesFile)
	if err != nil {
		return err
	}
	if err := registry.Check(logger); err != nil {
		return fmt.Errorf("template registry: %w", err)
	}

	arts, err := artifacts.New(cfg.ArtifactsDir)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(promRegistry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sinks := outbox.Sinks{
		Notifier: notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Enabled, httpClient, logger),
	}
	serviceOpts := []signing.Option{signing.WithLogger(logger), signing.WithMetrics(m)}

	if cfg.CRM.Enabled() {
		client, err := crm.New(crm.Config{
			ClientID:       cfg.CRM.ClientID,
			Username:       cfg.CRM.Username,
			LoginURL:       cfg.CRM.LoginURL,
			PrivateKeyPath: cfg.CRM.PrivateKeyPath,
			APIVersion:     cfg.CRM.APIVersion,
			HTTPClient:     httpClient,
		})
		if err != nil {
			return err
		}
		sinks.CRM = client
		serviceOpts = append(serviceOpts, signing.WithReferenceResolver(client))
	}

	switch cfg.Storage.Backend {
	case config.StorageDir:
		u, err := storage.NewDir(cfg.Storage.Dir)
		if err != nil {
			return err
		}
		sinks.Uploader = u
	case config.StorageS3:
		s3 := cfg.Storage.S3
		u, err := storage.NewS3(storage.S3Config{
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		sinks.Uploader = u
	}

	var verifierOpts []auth.Option
	if cfg.HMAC.RedisURL != "" {
		rdb, err := auth.Connect(cfg.HMAC.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		verifierOpts = append(verifierOpts, auth.WithReplayGuard(auth.NewRedisReplayGuard(rdb)))
	} else {
		verifierOpts = append(verifierOpts, auth.WithReplayGuard(auth.NewMemoryReplayGuard()))
	}
	verifier, err := auth.NewVerifier(cfg.HMAC.Secret, cfg.HMAC.Tolerance, verifierOpts...)
	if err != nil {
		return err
	}

	store := signing.NewPGStore(pool, signing.NewRepository())
	service := signing.NewService(store, registry, overlay.NewRenderer(cfg.RenderTimeout), arts,
		signing.Config{ValidityWindow: cfg.ValidityWindow, BaseURL: cfg.BaseURL}, serviceOpts...)

	dispatcher := outbox.NewDispatcher(service, arts, sinks,
		outbox.RetryPolicy{Attempts: cfg.Retry.Attempts, Initial: cfg.Retry.Initial}, logger, m)
	worker := outbox.NewWorker(outbox.NewPGQueue(pool), dispatcher, outbox.WorkerConfig{
		PollInterval:  cfg.Outbox.PollInterval,
		BatchSize:     cfg.Outbox.BatchSize,
		Concurrency:   cfg.Outbox.Concurrency,
		MaxDeliveries: cfg.Outbox.MaxDeliveries,
	}, logger, m)

	server := NewServer(service, arts, verifier, logger,
		WithMetrics(m, promRegistry),
		WithHealthCheck(pool.Ping),
		WithTrustedProxy(cfg.TrustProxy),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      cfg.RenderTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func newLogger(env, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(env, "production") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
