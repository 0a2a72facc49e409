package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"campus-job-queue/internal/chain"
	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
)

// maxErrorLen bounds the error text written back to a job record.
const maxErrorLen = 2048

// Worker performs single bounded passes over a queue: claim one job,
// run one executor step, write the outcome back. Each pass does at most
// one step of business logic, so arbitrarily long generation work is
// expressed as a job that repeatedly yields back to the queue.
type Worker struct {
	cfg      config.Config
	store    store.JobStore
	registry *jobtype.Registry
	chains   *chain.Controller
}

func New(cfg config.Config, st store.JobStore, reg *jobtype.Registry, chains *chain.Controller) *Worker {
	return &Worker{cfg: cfg, store: st, registry: reg, chains: chains}
}

// PassSummary reports what a single pass did.
type PassSummary struct {
	Queue      models.Queue `json:"queue"`
	Claimed    bool         `json:"claimed"`
	JobID      string       `json:"job_id,omitempty"`
	JobType    string       `json:"job_type,omitempty"`
	Outcome    string       `json:"outcome,omitempty"`
	RetryCount int          `json:"retry_count,omitempty"`
}

// RunOnce claims one eligible job (or the specific target job, to
// force-resume it) and advances it by exactly one step. An error return
// means the pass aborted without a status transition; the job stays
// eligible for a future claim or for lease-expiry reclaim.
func (w *Worker) RunOnce(ctx context.Context, q models.Queue, targetID string) (PassSummary, error) {
	now := time.Now().UTC()
	var (
		job     models.Job
		claimed bool
		err     error
	)
	if targetID != "" {
		job, err = w.store.ClaimJob(ctx, q, targetID, now)
		claimed = err == nil
	} else {
		job, claimed, err = w.store.ClaimNext(ctx, q, now)
	}
	if err != nil {
		return PassSummary{Queue: q}, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return PassSummary{Queue: q}, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	w.appendEvent(ctx, q, models.JobEvent{
		JobID:  job.ID,
		Status: models.StatusProcessing,
		Stage:  "claimed",
	})

	res := w.step(ctx, q, job)
	telemetry.StepCounter.Inc()

	summary := PassSummary{Queue: q, Claimed: true, JobID: job.ID, JobType: job.Type}
	switch res.Outcome {
	case jobtype.OutcomeDone:
		return w.finishDone(ctx, q, job, res, summary)
	case jobtype.OutcomeContinue:
		return w.finishContinue(ctx, q, job, res, summary)
	default:
		return w.finishFailed(ctx, q, job, res, summary)
	}
}

// step runs the executor with heartbeats ticking and every panic or
// error normalized into a Failed result. A job must never be left stuck
// in processing because of an uncaught panic.
func (w *Worker) step(ctx context.Context, q models.Queue, job models.Job) (res jobtype.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Str("job_type", job.Type).Msgf("executor panic: %v", r)
			res = jobtype.Fail("executor panic: %v", r)
		}
	}()

	executor, ok := w.registry.Resolve(job.Type)
	if !ok {
		return jobtype.Fail("no executor registered for job type %q", job.Type)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := w.cfg.HeartbeatInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(ctx, q, job.ID, time.Now().UTC()); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat refresh failed")
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	res, err := executor.Step(ctx, job)
	if err != nil {
		return jobtype.Fail("%s", truncate(err.Error(), maxErrorLen))
	}
	return res
}

func (w *Worker) finishDone(ctx context.Context, q models.Queue, job models.Job, res jobtype.StepResult, summary PassSummary) (PassSummary, error) {
	updated, err := w.store.MarkDone(ctx, q, job.ID, res.Result, time.Now().UTC())
	if err != nil {
		return summary, fmt.Errorf("mark done: %w", err)
	}
	summary.Outcome = "done"
	summary.RetryCount = updated.RetryCount
	w.appendEvent(ctx, q, models.JobEvent{
		JobID:    job.ID,
		Status:   models.StatusDone,
		Stage:    "completed",
		Progress: 100,
	})
	telemetry.CompletedCounter.Inc()
	log.Info().Str("job_id", job.ID).Str("job_type", job.Type).Msg("job done")

	if job.ChainID != "" && w.chains != nil {
		if err := w.chains.OnUnitDone(ctx, job.ChainID); err != nil {
			log.Error().Err(err).Str("chain_id", job.ChainID).Str("job_id", job.ID).Msg("advance chain after unit done")
		}
	}
	return summary, nil
}

func (w *Worker) finishContinue(ctx context.Context, q models.Queue, job models.Job, res jobtype.StepResult, summary PassSummary) (PassSummary, error) {
	payload := res.Payload
	if len(payload) == 0 {
		payload = job.Payload
	}
	if err := w.store.SaveProgress(ctx, q, job.ID, payload, res.Yield, time.Now().UTC()); err != nil {
		return summary, fmt.Errorf("save progress: %w", err)
	}
	summary.Outcome = "continue"
	status := models.StatusProcessing
	if res.Yield {
		status = models.StatusPending
	}
	w.appendEvent(ctx, q, models.JobEvent{
		JobID:    job.ID,
		Status:   status,
		Stage:    res.Progress.Stage,
		Progress: res.Progress.Percent,
		Message:  res.Progress.Message,
	})
	log.Debug().Str("job_id", job.ID).Str("stage", res.Progress.Stage).Bool("yield", res.Yield).Msg("job step continued")
	return summary, nil
}

func (w *Worker) finishFailed(ctx context.Context, q models.Queue, job models.Job, res jobtype.StepResult, summary PassSummary) (PassSummary, error) {
	msg := truncate(res.Err, maxErrorLen)
	now := time.Now().UTC()
	delay := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, job.RetryCount+1)
	updated, err := w.store.RecordFailure(ctx, q, job.ID, msg, now.Add(delay), now)
	if err != nil {
		return summary, fmt.Errorf("record failure: %w", err)
	}
	summary.RetryCount = updated.RetryCount
	if updated.Status == models.StatusDeadLetter {
		summary.Outcome = "dead_letter"
		w.appendEvent(ctx, q, models.JobEvent{
			JobID:   job.ID,
			Status:  models.StatusDeadLetter,
			Stage:   "dead_letter",
			Message: msg,
		})
		telemetry.DeadLetterCounter.Inc()
		log.Error().Str("job_id", job.ID).Str("job_type", job.Type).Int("retry_count", updated.RetryCount).Str("error", msg).Msg("job dead-lettered")
		return summary, nil
	}
	summary.Outcome = "failed"
	w.appendEvent(ctx, q, models.JobEvent{
		JobID:   job.ID,
		Status:  models.StatusFailed,
		Stage:   "retry_scheduled",
		Message: fmt.Sprintf("retry %d/%d in %s: %s", updated.RetryCount, updated.MaxRetries, delay.Round(time.Millisecond), msg),
	})
	telemetry.RetryCounter.Inc()
	log.Warn().Str("job_id", job.ID).Str("job_type", job.Type).Int("retry_count", updated.RetryCount).Str("error", msg).Msg("job failed, retry scheduled")
	return summary, nil
}

func (w *Worker) appendEvent(ctx context.Context, q models.Queue, ev models.JobEvent) {
	if err := w.store.AppendEvent(ctx, q, ev); err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Msg("append job event")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
