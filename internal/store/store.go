package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"campus-job-queue/internal/models"
)

// Sentinel errors shared by the Postgres and in-memory implementations.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrChainNotFound = errors.New("chain not found")
	// ErrLeaseLost is returned when a write-back finds the job no longer
	// in processing: another actor (usually the reconciler) reclaimed it.
	ErrLeaseLost = errors.New("lease lost: job no longer processing")
	// ErrNotDeadLetter rejects a manual requeue of a job that is not
	// dead-lettered.
	ErrNotDeadLetter = errors.New("job is not dead-lettered")
	ErrUnknownQueue  = errors.New("unknown queue")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	// ID is optional; a UUID is generated when empty. The chaining
	// controller pre-generates IDs so unit reservation can happen before
	// the insert.
	ID         string
	Queue      models.Queue
	Type       string
	Tenant     string
	ChainID    string
	Payload    json.RawMessage
	MaxRetries int
	RunAfter   time.Time
}

// CreateChainParams collects inputs for a composite job record.
type CreateChainParams struct {
	ID       string
	Queue    models.Queue
	Type     string
	Tenant   string
	Payloads []json.RawMessage
}

// SweepOutcome reports one job the reconciler transitioned.
type SweepOutcome struct {
	JobID      string
	Status     string
	RetryCount int
}

// JobStore is the narrow conditional-update surface every actor in the
// system coordinates through. Each mutating call is a single atomic
// update keyed on the expected prior status, so two concurrent actors
// can never both believe they hold a job's lease.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, q models.Queue, id string) (models.Job, error)

	// ClaimNext claims the oldest eligible job (pending or stale, past
	// its run_after delay). The bool reports whether a job was claimed.
	ClaimNext(ctx context.Context, q models.Queue, now time.Time) (models.Job, bool, error)
	// ClaimJob claims a specific job, accepting processing as a prior
	// state to support force-resume of a yielded job.
	ClaimJob(ctx context.Context, q models.Queue, id string, now time.Time) (models.Job, error)

	Heartbeat(ctx context.Context, q models.Queue, id string, now time.Time) error
	// SaveProgress writes the executor's updated payload. With yield the
	// job returns to pending so a future independent invocation resumes
	// it; otherwise it stays processing under the same lease.
	SaveProgress(ctx context.Context, q models.Queue, id string, payload json.RawMessage, yield bool, now time.Time) error
	MarkDone(ctx context.Context, q models.Queue, id string, result json.RawMessage, now time.Time) (models.Job, error)
	// RecordFailure increments retry_count and moves the job to pending
	// (budget remaining) or dead_letter (budget exhausted).
	RecordFailure(ctx context.Context, q models.Queue, id, msg string, runAfter, now time.Time) (models.Job, error)

	// SweepAbandoned reclaims processing jobs whose heartbeat predates
	// cutoff. SweepNeverClaimed flags pending jobs never claimed before
	// cutoff as stale. Both consume one retry unit per job and are safe
	// to run concurrently with workers and with each other.
	SweepAbandoned(ctx context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error)
	SweepNeverClaimed(ctx context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error)

	// RequeueDeadLetter is the manual operator path out of dead_letter:
	// retry_count resets to zero and the error is cleared.
	RequeueDeadLetter(ctx context.Context, q models.Queue, id string, now time.Time) (models.Job, error)

	AppendEvent(ctx context.Context, q models.Queue, ev models.JobEvent) error
	ListEvents(ctx context.Context, q models.Queue, jobID string, limit int) ([]models.JobEvent, error)

	CreateChain(ctx context.Context, p CreateChainParams) (models.Chain, error)
	GetChain(ctx context.Context, id string) (models.Chain, error)
	SetChainEnabled(ctx context.Context, id string, enabled bool, now time.Time) (models.Chain, error)
	// ReserveUnit binds a pre-generated job ID to a chain unit if and
	// only if the unit is still unbound. ReleaseUnit undoes a
	// reservation whose enqueue failed.
	ReserveUnit(ctx context.Context, chainID string, index int, jobID string) (bool, error)
	ReleaseUnit(ctx context.Context, chainID string, index int, jobID string) error
}

// Synthetic errors recorded by the reconciler sweeps.
const (
	StaleLeaseError        = "stale: heartbeat lease expired"
	StaleNeverClaimedError = "stale: never claimed before max pending age"
)
