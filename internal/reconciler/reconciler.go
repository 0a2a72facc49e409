package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
)

// Reconciler sweeps the job tables for stuck state: processing jobs
// whose heartbeat lease expired, and pending jobs never claimed within
// the max pending age. It only acts on jobs whose lease has provably
// expired by wall-clock comparison, so it cannot race a live worker
// still inside its lease window, and every transition is a conditional
// update, so concurrent sweeps never double-charge the retry budget.
//
// Coverage is explicit per queue: only the configured queues are swept.
type Reconciler struct {
	store         store.JobStore
	queues        []models.Queue
	leaseTTL      time.Duration
	pendingMaxAge time.Duration
}

func New(st store.JobStore, queues []models.Queue, leaseTTL, pendingMaxAge time.Duration) *Reconciler {
	return &Reconciler{store: st, queues: queues, leaseTTL: leaseTTL, pendingMaxAge: pendingMaxAge}
}

// QueueResult reports what one queue's sweep transitioned.
type QueueResult struct {
	Requeued     []string `json:"requeued"`
	DeadLettered []string `json:"dead_lettered"`
	StalePending []string `json:"stale_pending"`
}

// Result maps covered queues to their sweep outcome.
type Result map[models.Queue]QueueResult

// Sweep runs one reconciliation pass over the covered queues, optionally
// narrowed to a tenant. It is idempotent and safe to run concurrently
// with workers and with other sweeps.
func (r *Reconciler) Sweep(ctx context.Context, tenant string) (Result, error) {
	now := time.Now().UTC()
	result := make(Result, len(r.queues))
	for _, q := range r.queues {
		qr, err := r.sweepQueue(ctx, q, tenant, now)
		if err != nil {
			return result, fmt.Errorf("sweep %s: %w", q, err)
		}
		result[q] = qr
	}
	return result, nil
}

// SweepOne narrows a sweep to a single queue, which must be covered.
func (r *Reconciler) SweepOne(ctx context.Context, q models.Queue, tenant string) (QueueResult, error) {
	covered := false
	for _, c := range r.queues {
		if c == q {
			covered = true
			break
		}
	}
	if !covered {
		return QueueResult{}, fmt.Errorf("queue %q is not covered by the reconciler", q)
	}
	return r.sweepQueue(ctx, q, tenant, time.Now().UTC())
}

func (r *Reconciler) sweepQueue(ctx context.Context, q models.Queue, tenant string, now time.Time) (QueueResult, error) {
	var qr QueueResult

	abandoned, err := r.store.SweepAbandoned(ctx, q, tenant, now.Add(-r.leaseTTL), now)
	if err != nil {
		return qr, err
	}
	for _, o := range abandoned {
		switch o.Status {
		case models.StatusDeadLetter:
			qr.DeadLettered = append(qr.DeadLettered, o.JobID)
			telemetry.ReconcileDead.Inc()
		default:
			qr.Requeued = append(qr.Requeued, o.JobID)
			telemetry.ReconcileRequeued.Inc()
		}
		r.appendEvent(ctx, q, o, store.StaleLeaseError)
		log.Warn().Str("job_id", o.JobID).Str("queue", string(q)).Str("status", o.Status).Int("retry_count", o.RetryCount).Msg("reclaimed abandoned job")
	}

	neverClaimed, err := r.store.SweepNeverClaimed(ctx, q, tenant, now.Add(-r.pendingMaxAge), now)
	if err != nil {
		return qr, err
	}
	for _, o := range neverClaimed {
		switch o.Status {
		case models.StatusDeadLetter:
			qr.DeadLettered = append(qr.DeadLettered, o.JobID)
			telemetry.ReconcileDead.Inc()
		default:
			qr.StalePending = append(qr.StalePending, o.JobID)
		}
		r.appendEvent(ctx, q, o, store.StaleNeverClaimedError)
		log.Warn().Str("job_id", o.JobID).Str("queue", string(q)).Str("status", o.Status).Msg("flagged never-claimed job")
	}

	return qr, nil
}

func (r *Reconciler) appendEvent(ctx context.Context, q models.Queue, o store.SweepOutcome, msg string) {
	if err := r.store.AppendEvent(ctx, q, models.JobEvent{
		JobID:   o.JobID,
		Status:  o.Status,
		Stage:   "reconciled",
		Message: msg,
	}); err != nil {
		log.Warn().Err(err).Str("job_id", o.JobID).Msg("append reconcile event")
	}
}

// ParseQueues filters configured queue names to valid ones.
func ParseQueues(names []string) []models.Queue {
	out := make([]models.Queue, 0, len(names))
	for _, name := range names {
		q := models.Queue(name)
		if q.Valid() {
			out = append(out, q)
		} else {
			log.Warn().Str("queue", name).Msg("ignoring unknown queue in reconciler config")
		}
	}
	return out
}
