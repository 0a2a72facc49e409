package chain_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"campus-job-queue/internal/chain"
	"campus-job-queue/internal/config"
	"campus-job-queue/internal/enqueue"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/worker"
)

func setup(t *testing.T) (*store.Memory, *chain.Controller, *worker.Worker) {
	t.Helper()
	st := store.NewMemory()
	reg := jobtype.NewRegistry()
	reg.Register("unit.test", jobtype.ExecutorFunc(func(_ context.Context, job models.Job) (jobtype.StepResult, error) {
		return jobtype.Done(json.RawMessage(`{"ok":true}`)), nil
	}), nil)
	enq := enqueue.New(st, reg, 3)
	ctrl := chain.NewController(st, enq)
	cfg := config.Config{
		HeartbeatInterval: 10 * time.Millisecond,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	}
	return st, ctrl, worker.New(cfg, st, reg, ctrl)
}

func payloads(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{}`)
	}
	return out
}

func boundUnits(ch models.Chain) int {
	n := 0
	for _, u := range ch.Units {
		if u.JobID != nil {
			n++
		}
	}
	return n
}

func TestCreateEnqueuesOnlyFirstUnit(t *testing.T) {
	ctx := context.Background()
	st, ctrl, _ := setup(t)

	ch, err := ctrl.Create(ctx, chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test", Payloads: payloads(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ch.ChainingEnabled {
		t.Fatalf("new chain must have chaining enabled")
	}
	if boundUnits(ch) != 1 || ch.Units[0].JobID == nil {
		t.Fatalf("only the first unit should be bound: %+v", ch.Units)
	}

	job, err := st.GetJob(ctx, models.QueueCourse, *ch.Units[0].JobID)
	if err != nil {
		t.Fatalf("unit job missing: %v", err)
	}
	if job.Status != models.StatusPending || job.ChainID != ch.ID {
		t.Fatalf("unit job wrong: %+v", job)
	}
}

func TestUnitsAdvanceInOrderAsJobsComplete(t *testing.T) {
	ctx := context.Background()
	st, ctrl, w := setup(t)

	ch, err := ctrl.Create(ctx, chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test", Payloads: payloads(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Each worker pass completes one unit; completion triggers the next.
	for i := 1; i <= 3; i++ {
		summary, err := w.RunOnce(ctx, models.QueueCourse, "")
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if !summary.Claimed || summary.Outcome != "done" {
			t.Fatalf("pass %d: %+v", i, summary)
		}
		got, _ := st.GetChain(ctx, ch.ID)
		want := i + 1
		if want > 3 {
			want = 3
		}
		if boundUnits(got) != want {
			t.Fatalf("pass %d: %d units bound, want %d", i, boundUnits(got), want)
		}
	}

	got, _ := st.GetChain(ctx, ch.ID)
	for _, u := range got.Units {
		job, err := st.GetJob(ctx, models.QueueCourse, *u.JobID)
		if err != nil || job.Status != models.StatusDone {
			t.Fatalf("unit %d not done: %v %v", u.Index, job.Status, err)
		}
	}
}

func TestPauseStopsAdvancementButNotInFlightUnit(t *testing.T) {
	ctx := context.Background()
	st, ctrl, w := setup(t)

	ch, err := ctrl.Create(ctx, chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test", Payloads: payloads(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ctrl.Pause(ctx, ch.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Unit 0 still runs to completion; no successor is scheduled.
	summary, err := w.RunOnce(ctx, models.QueueCourse, "")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Outcome != "done" {
		t.Fatalf("in-flight unit must finish: %+v", summary)
	}
	got, _ := st.GetChain(ctx, ch.ID)
	if boundUnits(got) != 1 {
		t.Fatalf("paused chain advanced: %d units bound", boundUnits(got))
	}
}

func TestResumeEnqueuesExactlyOneUnit(t *testing.T) {
	ctx := context.Background()
	st, ctrl, w := setup(t)

	ch, err := ctrl.Create(ctx, chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test", Payloads: payloads(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ctrl.Pause(ctx, ch.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := w.RunOnce(ctx, models.QueueCourse, ""); err != nil {
		t.Fatalf("complete unit 0: %v", err)
	}

	resumed, err := ctrl.Resume(ctx, ch.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.ChainingEnabled {
		t.Fatalf("resume must re-enable chaining")
	}
	if boundUnits(resumed) != 2 {
		t.Fatalf("resume must enqueue exactly the next unit, bound=%d", boundUnits(resumed))
	}
	job, err := st.GetJob(ctx, models.QueueCourse, *resumed.Units[1].JobID)
	if err != nil || job.Status != models.StatusPending {
		t.Fatalf("resumed unit job wrong: %v %v", job.Status, err)
	}
}

func TestAdvanceWaitsForPreviousUnit(t *testing.T) {
	ctx := context.Background()
	_, ctrl, _ := setup(t)

	ch, err := ctrl.Create(ctx, chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test", Payloads: payloads(2)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Unit 0 is still pending, so another advance must be a no-op.
	advanced, err := ctrl.Advance(ctx, ch.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced {
		t.Fatalf("advance must wait for the previous unit to finish")
	}
}

func TestCreateRejectsEmptyChain(t *testing.T) {
	_, ctrl, _ := setup(t)
	if _, err := ctrl.Create(context.Background(), chain.CreateParams{Queue: models.QueueCourse, Type: "unit.test"}); err == nil {
		t.Fatalf("empty chain must be rejected")
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	_, ctrl, _ := setup(t)
	_, err := ctrl.Create(context.Background(), chain.CreateParams{Queue: models.QueueCourse, Type: "unit.ghost", Payloads: payloads(1)})
	if err == nil {
		t.Fatalf("unknown job type must be rejected")
	}
}
