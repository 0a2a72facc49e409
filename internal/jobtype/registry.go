package jobtype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"campus-job-queue/internal/models"
)

// ErrUnknownJobType rejects enqueue requests for unregistered types
// before any row is created.
var ErrUnknownJobType = errors.New("unknown job type")

// Outcome tags the result of one bounded step.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeDone
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeDone:
		return "done"
	default:
		return "failed"
	}
}

// Progress is an optional observability descriptor attached to a
// Continue outcome. It feeds the event trail only; the state machine
// never reads it.
type Progress struct {
	Stage   string
	Percent int
	Message string
}

// StepResult is the tagged outcome of a single executor step.
type StepResult struct {
	Outcome Outcome
	// Payload carries the updated resume state for Continue.
	Payload json.RawMessage
	// Yield returns the job to pending so a future independent
	// invocation picks it up, instead of continuing under this lease.
	// Used when one invocation cannot hold the process across slow
	// remote calls.
	Yield    bool
	Progress Progress
	// Result is written once, on Done.
	Result json.RawMessage
	// Err describes a Failed outcome.
	Err string
}

// Continue yields an updated payload and keeps the job alive.
func Continue(payload json.RawMessage, progress Progress) StepResult {
	return StepResult{Outcome: OutcomeContinue, Payload: payload, Progress: progress}
}

// ContinueYield is Continue with the job handed back to the queue.
func ContinueYield(payload json.RawMessage, progress Progress) StepResult {
	return StepResult{Outcome: OutcomeContinue, Payload: payload, Yield: true, Progress: progress}
}

// Done finishes the job with a result blob.
func Done(result json.RawMessage) StepResult {
	return StepResult{Outcome: OutcomeDone, Result: result}
}

// Fail records a business-logic failure; the worker applies the retry
// budget.
func Fail(format string, args ...any) StepResult {
	return StepResult{Outcome: OutcomeFailed, Err: fmt.Sprintf(format, args...)}
}

// Executor performs one bounded unit of work against the job's current
// payload. Returned errors are normalized into a Failed outcome at the
// worker boundary.
type Executor interface {
	Step(ctx context.Context, job models.Job) (StepResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job models.Job) (StepResult, error)

func (f ExecutorFunc) Step(ctx context.Context, job models.Job) (StepResult, error) {
	return f(ctx, job)
}

// Validator checks an enqueue-time payload for a job type. A nil
// validator accepts any payload.
type Validator func(payload json.RawMessage) error

type entry struct {
	executor Executor
	validate Validator
}

// Registry maps job-type tags to executors. Dispatch is by tag, not
// inheritance; registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds an executor (and optional payload validator) to a type tag.
func (r *Registry) Register(jobType string, ex Executor, validate Validator) {
	if jobType == "" || ex == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jobType] = entry{executor: ex, validate: validate}
}

// Resolve returns the executor for a type tag.
func (r *Registry) Resolve(jobType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobType]
	return e.executor, ok
}

// Validate checks that the type is registered and its payload is
// acceptable.
func (r *Registry) Validate(jobType string, payload json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[jobType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return fmt.Errorf("payload for %q is not valid JSON", jobType)
	}
	if e.validate != nil {
		if err := e.validate(payload); err != nil {
			return fmt.Errorf("invalid payload for %q: %w", jobType, err)
		}
	}
	return nil
}

// Types lists registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
