package worker

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"campus-job-queue/internal/models"
	"campus-job-queue/internal/reconciler"
)

// Runner is the daemon wrapper around Worker for hosts that keep a
// process alive: it polls the configured queues and runs the reconciler
// on its own interval. Serverless-style hosts skip the Runner and hit
// the worker/reconcile triggers on the API instead.
type Runner struct {
	worker            *Worker
	queues            []models.Queue
	pollInterval      time.Duration
	reconciler        *reconciler.Reconciler
	reconcileInterval time.Duration
}

func NewRunner(w *Worker, queues []models.Queue, pollInterval time.Duration, rec *reconciler.Reconciler, reconcileInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if reconcileInterval <= 0 {
		reconcileInterval = 2 * time.Minute
	}
	return &Runner{
		worker:            w,
		queues:            queues,
		pollInterval:      pollInterval,
		reconciler:        rec,
		reconcileInterval: reconcileInterval,
	}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	var lastReconcile time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.reconciler != nil && time.Since(lastReconcile) >= r.reconcileInterval {
			if _, err := r.reconciler.Sweep(ctx, ""); err != nil {
				log.Error().Err(err).Msg("reconcile sweep")
			}
			lastReconcile = time.Now()
		}

		worked := false
		for _, q := range r.queues {
			summary, err := r.worker.RunOnce(ctx, q, "")
			if err != nil {
				log.Error().Err(err).Str("queue", string(q)).Msg("worker pass")
				continue
			}
			if summary.Claimed {
				worked = true
			}
		}

		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
		}
	}
}
