package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/config"
	"github.com/weiawesome/thumbing/internal/receiver"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	app.InitLogger(cfg.Log, "thumbing-receiver")
	l := pkglog.L()

	var client *redis.Client
	if cfg.Receiver.Dedup == "redis" || cfg.Receiver.ForwardChannel != "" {
		client, err = app.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
	}

	var dedup receiver.Dedup
	switch cfg.Receiver.Dedup {
	case "redis":
		dedup = receiver.NewRedisDedup(client, "thumbing:receiver", cfg.Receiver.DedupTTL)
	default:
		dedup = receiver.NewMemoryDedup(cfg.Receiver.DedupTTL)
	}

	opts := receiver.Options{AutoConfirm: cfg.Receiver.AutoConfirm}
	if cfg.Receiver.ForwardChannel != "" {
		ps := pubsub.NewRedisPubSub(client)
		defer ps.Close()
		opts.OnThumbnail = receiver.NewForwarder(ps, cfg.Receiver.ForwardChannel).Forward
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), pkglog.GinMiddleware(l))
	receiver.New(dedup, opts).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Receiver.Port,
		Handler: r,
	}
	go func() {
		l.Info().
			Str("port", cfg.Receiver.Port).
			Str("dedup", cfg.Receiver.Dedup).
			Bool("auto_confirm", cfg.Receiver.AutoConfirm).
			Msg("webhook receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.Warn().Err(err).Msg("shutdown")
	}
	l.Info().Msg("shutdown complete")
}
