package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		HeartbeatInterval: 10 * time.Millisecond,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	}
}

func seedJob(t *testing.T, st *store.Memory, jobType string, payload string, maxRetries int) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Queue:      models.QueueAgent,
		Type:       jobType,
		Payload:    json.RawMessage(payload),
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestRunOnceEmptyQueue(t *testing.T) {
	st := store.NewMemory()
	w := New(testConfig(), st, jobtype.NewRegistry(), nil)

	summary, err := w.RunOnce(context.Background(), models.QueueAgent, "")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Claimed {
		t.Fatalf("empty queue must not claim")
	}
}

func TestRunOnceMultiStepJobToDone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	reg := jobtype.NewRegistry()

	// Counts up one step per invocation, yielding between steps.
	type counterPayload struct {
		N int `json:"n"`
	}
	const steps = 5
	reg.Register("test.counter", jobtype.ExecutorFunc(func(_ context.Context, job models.Job) (jobtype.StepResult, error) {
		var p counterPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return jobtype.Fail("decode: %v", err), nil
		}
		p.N++
		if p.N >= steps {
			result, _ := json.Marshal(map[string]int{"total": p.N})
			return jobtype.Done(result), nil
		}
		next, _ := json.Marshal(p)
		return jobtype.ContinueYield(next, jobtype.Progress{
			Stage:   fmt.Sprintf("step_%d", p.N),
			Percent: p.N * 100 / steps,
		}), nil
	}), nil)

	w := New(testConfig(), st, reg, nil)
	job := seedJob(t, st, "test.counter", `{"n":0}`, 3)

	for i := 0; i < steps; i++ {
		summary, err := w.RunOnce(ctx, models.QueueAgent, "")
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if !summary.Claimed {
			t.Fatalf("pass %d: nothing claimed", i)
		}
		want := "continue"
		if i == steps-1 {
			want = "done"
		}
		if summary.Outcome != want {
			t.Fatalf("pass %d: outcome %q, want %q", i, summary.Outcome, want)
		}
	}

	final, err := st.GetJob(ctx, models.QueueAgent, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", final.Status)
	}
	if string(final.Result) != `{"total":5}` {
		t.Fatalf("unexpected result: %s", final.Result)
	}

	events, err := st.ListEvents(ctx, models.QueueAgent, job.ID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// claimed + step outcome per pass, last pass ends with completed.
	var stages []string
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	if len(events) != 2*steps {
		t.Fatalf("expected %d events, got %d (%v)", 2*steps, len(events), stages)
	}
	if events[len(events)-1].Stage != "completed" || events[len(events)-1].Progress != 100 {
		t.Fatalf("last event wrong: %+v", events[len(events)-1])
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event seq not monotonic at %d: %d", i, ev.Seq)
		}
	}
}

func TestRunOnceFailureConsumesRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	reg := jobtype.NewRegistry()
	reg.Register("test.flaky", jobtype.ExecutorFunc(func(_ context.Context, _ models.Job) (jobtype.StepResult, error) {
		return jobtype.StepResult{}, fmt.Errorf("upstream unavailable")
	}), nil)

	w := New(testConfig(), st, reg, nil)
	job := seedJob(t, st, "test.flaky", `{}`, 2)

	for attempt := 1; attempt <= 3; attempt++ {
		// Failed retries carry a backoff delay, so force-claim the job.
		summary, err := w.RunOnce(ctx, models.QueueAgent, job.ID)
		if err != nil {
			t.Fatalf("pass %d: %v", attempt, err)
		}
		if attempt < 3 && summary.Outcome != "failed" {
			t.Fatalf("pass %d: outcome %q", attempt, summary.Outcome)
		}
		if attempt == 3 && summary.Outcome != "dead_letter" {
			t.Fatalf("pass 3: outcome %q, want dead_letter", summary.Outcome)
		}
	}

	final, _ := st.GetJob(ctx, models.QueueAgent, job.ID)
	if final.Status != models.StatusDeadLetter || final.RetryCount != 3 {
		t.Fatalf("expected dead_letter retry=3, got %s retry=%d", final.Status, final.RetryCount)
	}
	if final.LastError == nil || *final.LastError != "upstream unavailable" {
		t.Fatalf("error not recorded: %v", final.LastError)
	}
}

func TestRunOncePanicIsNormalized(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	reg := jobtype.NewRegistry()
	reg.Register("test.panics", jobtype.ExecutorFunc(func(_ context.Context, _ models.Job) (jobtype.StepResult, error) {
		panic("index out of range")
	}), nil)

	w := New(testConfig(), st, reg, nil)
	job := seedJob(t, st, "test.panics", `{}`, 3)

	summary, err := w.RunOnce(ctx, models.QueueAgent, "")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Outcome != "failed" {
		t.Fatalf("panic must become a failed outcome, got %q", summary.Outcome)
	}

	final, _ := st.GetJob(ctx, models.QueueAgent, job.ID)
	if final.Status != models.StatusPending {
		t.Fatalf("panicked job must be retryable, got %s", final.Status)
	}
	if final.LastError == nil || *final.LastError == "" {
		t.Fatalf("panic text not recorded")
	}
}

func TestRunOnceUnregisteredTypeFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	w := New(testConfig(), st, jobtype.NewRegistry(), nil)
	job := seedJob(t, st, "test.ghost", `{}`, 0)

	summary, err := w.RunOnce(ctx, models.QueueAgent, "")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Outcome != "failed" && summary.Outcome != "dead_letter" {
		t.Fatalf("unregistered type must fail, got %q", summary.Outcome)
	}
	final, _ := st.GetJob(ctx, models.QueueAgent, job.ID)
	if final.LastError == nil {
		t.Fatalf("missing error for unregistered type")
	}
}

func TestRunOnceYieldLeavesJobPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	reg := jobtype.NewRegistry()
	reg.Register("test.yield", jobtype.ExecutorFunc(func(_ context.Context, _ models.Job) (jobtype.StepResult, error) {
		return jobtype.ContinueYield(json.RawMessage(`{"resumed":true}`), jobtype.Progress{Stage: "waiting"}), nil
	}), nil)

	w := New(testConfig(), st, reg, nil)
	job := seedJob(t, st, "test.yield", `{}`, 3)

	if _, err := w.RunOnce(ctx, models.QueueAgent, ""); err != nil {
		t.Fatalf("run once: %v", err)
	}
	final, _ := st.GetJob(ctx, models.QueueAgent, job.ID)
	if final.Status != models.StatusPending {
		t.Fatalf("yielded job must be pending, got %s", final.Status)
	}
	if final.RetryCount != 0 {
		t.Fatalf("yield must not consume the retry budget")
	}
	if string(final.Payload) != `{"resumed":true}` {
		t.Fatalf("resume payload not saved: %s", final.Payload)
	}
}
