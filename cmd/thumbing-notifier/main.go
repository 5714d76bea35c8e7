package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/config"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/handler"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/mq"
	"github.com/weiawesome/thumbing/internal/notify"
	"github.com/weiawesome/thumbing/internal/redelivery"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	app.InitLogger(cfg.Log, "thumbing-notifier")
	l := pkglog.L()
	l.Info().Msg("thumbing-notifier starting")

	m := metrics.New()
	startCtx := context.Background()

	// Subscription registry and the service around it.
	registry, err := app.OpenRegistry(startCtx, cfg)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open subscription registry")
	}
	svc, err := app.NewSubscriptionService(cfg, registry, m)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init subscription service")
	}

	// Notification bus.
	bus := notify.NewBus(registry,
		notify.NewWebhookDeliverer(nil, cfg.Notify.Timeout),
		notify.Options{Retry: app.RetryPolicy(cfg.Notify.Retry), Concurrency: cfg.Notify.Concurrency},
		m)

	dlq, err := mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init dead-letter publisher")
	}
	redeliverer := redelivery.New("notify", app.RetryPolicy(cfg.Redelivery), dlq, notify.Classify, m)

	consumer, err := mq.NewKafkaConsumer(mq.ConsumerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.OutputTopic,
		GroupID:     cfg.Kafka.NotifierGroupID,
		Stage:       "notify",
		MaxInFlight: cfg.Kafka.MaxInFlight,
		Filter: event.Filter{
			Store:  cfg.Stores.OutputBucket,
			Prefix: event.NamespacePrefix(cfg.Processor.OutputPrefix),
		},
	}, func(ctx context.Context, ev event.StorageEvent) error {
		return redeliverer.Handle(ctx, ev, bus.Handle)
	}, m)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init kafka consumer")
	}

	// Setup Gin router.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), pkglog.GinMiddleware(l))
	handler.NewHandler(svc, cfg.HTTP.AdminToken, m).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: r,
	}
	// Bind before seeding so synchronous confirmations find the listener.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		l.Fatal().Err(err).Str("port", cfg.HTTP.Port).Msg("failed to bind subscription api")
	}
	go func() {
		l.Info().Str("port", cfg.HTTP.Port).Msg("subscription api listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	// Seed after the API is up so confirmation links resolve.
	if len(cfg.Subscription.SeedEndpoints) > 0 {
		if err := svc.Seed(ctx, cfg.Subscription.SeedEndpoints, cfg.Subscription.SeedConfirmed); err != nil {
			l.Error().Err(err).Msg("failed to seed subscriptions")
		}
	}

	expiryDone := make(chan struct{})
	go func() {
		defer close(expiryDone)
		svc.RunExpiry(ctx, cfg.Subscription.ExpireInterval)
	}()

	if err := consumer.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start consumer")
	}

	// Block until SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info().Msg("shutting down: waiting for in-flight notifications to complete")
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		consumer.Close() // waits for in-flight fan-outs
		<-expiryDone
		dlq.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("http server shutdown")
		}
		if err := registry.Close(); err != nil {
			l.Warn().Err(err).Msg("registry close")
		}
	}()

	select {
	case <-shutdownDone:
		l.Info().Msg("shutdown complete")
	case <-time.After(30 * time.Second):
		l.Warn().Msg("shutdown timed out after 30s")
	}
}
