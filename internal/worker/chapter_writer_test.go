package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

// fakeGenerator returns scripted completions in order.
type fakeGenerator struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeGenerator) Generate(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return "", errors.New("no scripted response left")
	}
	out := f.responses[f.calls]
	f.calls++
	return out, nil
}

func chapterJob(t *testing.T, payload chapterPayload) models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: "job-1", Queue: models.QueueAgent, Type: JobTypeChapter, Payload: raw}
}

func TestChapterWriterOutlineThenDraft(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{responses: []string{"1. Intro\n2. Body\n3. Wrap-up", "The chapter text goes here in full."}}
	writer := &ChapterWriter{generator: gen}

	job := chapterJob(t, chapterPayload{BookID: "book-1", ChapterIndex: 0, Title: "Fractions"})

	res, err := writer.Step(ctx, job)
	if err != nil {
		t.Fatalf("outline step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeContinue || !res.Yield {
		t.Fatalf("outline step must yield a continue, got %+v", res)
	}
	var resumed chapterPayload
	if err := json.Unmarshal(res.Payload, &resumed); err != nil {
		t.Fatalf("decode resume payload: %v", err)
	}
	if resumed.Stage != "draft" || resumed.Outline == "" {
		t.Fatalf("resume state wrong: %+v", resumed)
	}

	job.Payload = res.Payload
	res, err = writer.Step(ctx, job)
	if err != nil {
		t.Fatalf("draft step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeDone {
		t.Fatalf("draft step must finish, got %+v", res)
	}
	var result chapterResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.BookID != "book-1" || result.Words != 7 || result.Text == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gen.calls != 2 {
		t.Fatalf("expected two model calls, got %d", gen.calls)
	}
}

func TestChapterWriterGeneratorErrorPropagates(t *testing.T) {
	writer := &ChapterWriter{generator: &fakeGenerator{err: errors.New("model overloaded")}}
	job := chapterJob(t, chapterPayload{BookID: "book-1", Title: "Fractions"})

	_, err := writer.Step(context.Background(), job)
	if err == nil {
		t.Fatalf("generator error must surface for retry")
	}
}

func TestChapterWriterBadStageFails(t *testing.T) {
	writer := &ChapterWriter{generator: &fakeGenerator{}}
	job := chapterJob(t, chapterPayload{BookID: "book-1", Title: "Fractions", Stage: "publish"})

	res, err := writer.Step(context.Background(), job)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeFailed {
		t.Fatalf("unknown stage must fail, got %+v", res)
	}
}

func TestValidateChapterPayload(t *testing.T) {
	if err := ValidateChapterPayload(json.RawMessage(`{"book_id":"b","title":"t"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidateChapterPayload(json.RawMessage(`{"title":"t"}`)); err == nil {
		t.Fatalf("missing book_id must be rejected")
	}
	if err := ValidateChapterPayload(json.RawMessage(`{"book_id":"b"}`)); err == nil {
		t.Fatalf("missing title must be rejected")
	}
}
