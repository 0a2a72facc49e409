package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
)

// Enqueuer validates a job-type request and inserts a pending row. The
// returned job is immediately visible to the status API; unknown types
// and invalid payloads are rejected before any row exists.
type Enqueuer struct {
	store             store.JobStore
	registry          *jobtype.Registry
	defaultMaxRetries int
}

func New(st store.JobStore, reg *jobtype.Registry, defaultMaxRetries int) *Enqueuer {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &Enqueuer{store: st, registry: reg, defaultMaxRetries: defaultMaxRetries}
}

// Options tune a single enqueue. All fields are optional.
type Options struct {
	// JobID pre-assigns the id; the chaining controller reserves unit
	// ids before inserting.
	JobID      string
	ChainID    string
	MaxRetries int
	RunAfter   time.Time
}

// Enqueue inserts one pending job and appends its first event.
func (e *Enqueuer) Enqueue(ctx context.Context, q models.Queue, jobType, tenant string, payload json.RawMessage, opts Options) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", store.ErrUnknownQueue, q)
	}
	if err := e.registry.Validate(jobType, payload); err != nil {
		return models.Job{}, err
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.defaultMaxRetries
	}
	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		ID:         opts.JobID,
		Queue:      q,
		Type:       jobType,
		Tenant:     tenant,
		ChainID:    opts.ChainID,
		Payload:    payload,
		MaxRetries: maxRetries,
		RunAfter:   opts.RunAfter,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	if err := e.store.AppendEvent(ctx, q, models.JobEvent{
		JobID:   job.ID,
		Status:  models.StatusPending,
		Stage:   "enqueued",
		Message: fmt.Sprintf("tenant=%s type=%s", job.Tenant, job.Type),
	}); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("append enqueue event")
	}
	telemetry.EnqueueCounter.Inc()
	log.Info().Str("job_id", job.ID).Str("queue", string(q)).Str("job_type", jobType).Str("tenant", job.Tenant).Msg("job enqueued")
	return job, nil
}
