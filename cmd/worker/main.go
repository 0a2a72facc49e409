package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"campus-job-queue/internal/chain"
	"campus-job-queue/internal/config"
	"campus-job-queue/internal/enqueue"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/reconciler"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
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

	queues := make([]models.Queue, 0, len(cfg.WorkerQueues))
	for _, name := range cfg.WorkerQueues {
		q := models.Queue(name)
		if !q.Valid() {
			log.Warn().Str("queue", name).Msg("ignoring unknown queue in worker config")
			continue
		}
		queues = append(queues, q)
	}
	if len(queues) == 0 {
		log.Fatal().Msg("no valid queues configured")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	runner := worker.NewRunner(w, queues, cfg.WorkerPollInterval, rec, cfg.ReconcileInterval)
	log.Info().Strs("queues", cfg.WorkerQueues).Dur("lease_ttl", cfg.LeaseTTL).Dur("heartbeat", cfg.HeartbeatInterval).Msg("worker started")
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}
