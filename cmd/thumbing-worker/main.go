package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/config"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/mq"
	"github.com/weiawesome/thumbing/internal/objectstore"
	"github.com/weiawesome/thumbing/internal/processor"
	"github.com/weiawesome/thumbing/internal/redelivery"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/storage"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	app.InitLogger(cfg.Log, "thumbing-worker")
	l := pkglog.L()
	l.Info().Msg("thumbing-worker starting")

	m := metrics.New()
	startCtx := context.Background()

	// Stores, scoped to the worker's grants.
	inBackend, outBackend, err := app.GuardedBackends(startCtx, cfg.Stores)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init stores")
	}
	ingestion := objectstore.New(cfg.Stores.IngestionBucket, inBackend)
	output := objectstore.New(cfg.Stores.OutputBucket, outBackend)
	l.Info().
		Str("type", cfg.Stores.Type).
		Str("ingestion_bucket", cfg.Stores.IngestionBucket).
		Str("output_bucket", cfg.Stores.OutputBucket).
		Msg("stores initialised")

	// Output events feed the notifier.
	outputPub, err := mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutputTopic)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init output publisher")
	}
	if cfg.Stores.EmitEvents {
		output.Listen(event.NamespacePrefix(cfg.Processor.OutputPrefix), outputPub)
	}

	dlq, err := mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init dead-letter publisher")
	}

	worker, err := processor.NewWorker(processor.Config{
		InputPrefix:  cfg.Processor.InputPrefix,
		OutputPrefix: cfg.Processor.OutputPrefix,
		TargetWidth:  cfg.Processor.TargetWidth,
		TargetHeight: cfg.Processor.TargetHeight,
		JPEGQuality:  cfg.Processor.JPEGQuality,
	}, ingestion, output, m)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init worker")
	}

	redeliverer := redelivery.New("worker", app.RetryPolicy(cfg.Redelivery), dlq, processor.Classify, m)

	consumer, err := mq.NewKafkaConsumer(mq.ConsumerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.IngestionTopic,
		GroupID:     cfg.Kafka.WorkerGroupID,
		Stage:       "worker",
		MaxInFlight: cfg.Kafka.MaxInFlight,
		Filter: event.Filter{
			Store:      cfg.Stores.IngestionBucket,
			Prefix:     event.NamespacePrefix(cfg.Processor.InputPrefix),
			EventNames: cfg.Processor.EventNames,
		},
	}, func(ctx context.Context, ev event.StorageEvent) error {
		return redeliverer.Handle(ctx, ev, worker.Process)
	}, m)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init kafka consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Files dropped into a local ingestion directory become events.
	var ingestPub *mq.KafkaPublisher
	watcherDone := make(chan struct{})
	if cfg.Watcher.Enabled && cfg.Stores.Type == "local" {
		local, lerr := app.OpenBackend(startCtx, cfg.Stores, cfg.Stores.IngestionBucket)
		if lerr != nil {
			l.Fatal().Err(lerr).Msg("failed to open local ingestion store")
		}
		ingestPub, err = mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.IngestionTopic)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to init ingestion publisher")
		}
		w := objectstore.NewWatcher(cfg.Stores.IngestionBucket, local.(*storage.LocalStorage),
			event.NamespacePrefix(cfg.Processor.InputPrefix), ingestPub, cfg.Watcher.Debounce)
		go func() {
			defer close(watcherDone)
			if err := w.Run(ctx); err != nil {
				l.Error().Err(err).Msg("ingestion watcher stopped")
			}
		}()
	} else {
		close(watcherDone)
	}

	if err := consumer.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start consumer")
	}

	// Metrics and health listener.
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.HTTP.MetricsPort,
		Handler: pkglog.HTTPMiddleware(l)(mux),
	}
	go func() {
		l.Info().Str("port", cfg.HTTP.MetricsPort).Msg("metrics listener started")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	// Block until SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info().Msg("shutting down: waiting for in-flight processing to complete")
	cancel() // signal consumeLoop and watcher to stop accepting new work

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		consumer.Close() // waits for in-flight events to be handled or dead-lettered
		<-watcherDone
		outputPub.Close()
		dlq.Close()
		if ingestPub != nil {
			ingestPub.Close()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	select {
	case <-shutdownDone:
		l.Info().Msg("shutdown complete")
	case <-time.After(30 * time.Second):
		l.Warn().Msg("shutdown timed out after 30s")
	}
}
