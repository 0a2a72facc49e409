package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"campus-job-queue/internal/api"
	"campus-job-queue/internal/chain"
	"campus-job-queue/internal/config"
	"campus-job-queue/internal/enqueue"
	"campus-job-queue/internal/ratelimit"
	"campus-job-queue/internal/reconciler"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	if cfg.Env == "dev" {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	registry, err := worker.BuildRegistry(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build executor registry")
	}

	enqueuer := enqueue.New(st, registry, cfg.MaxRetries)
	chains := chain.NewController(st, enqueuer)
	w := worker.New(cfg, st, registry, chains)
	rec := reconciler.New(st, reconciler.ParseQueues(cfg.ReconcilerQueues), cfg.LeaseTTL, cfg.PendingMaxAge)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, enqueuer, w, rec, chains, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
