package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

func TestBookRendererProducesPDF(t *testing.T) {
	tempDir := t.TempDir()
	renderer := &BookRenderer{local: &localUploader{baseDir: tempDir}}

	payload, _ := json.Marshal(bookRenderPayload{
		BookID: "book-1",
		Title:  "Fractions for Fifth Grade",
		Author: "Campus Press",
		Chapters: []renderChapter{
			{Title: "What Is a Fraction", Text: "A fraction names part of a whole."},
			{Title: "Adding Fractions", Text: "Line up the denominators first."},
		},
	})
	res, err := renderer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeDone {
		t.Fatalf("expected done, got %+v", res)
	}

	var result bookRenderResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	// Title page plus one page per chapter.
	if result.Pages != 3 {
		t.Fatalf("expected 3 pages, got %d", result.Pages)
	}
	if result.Bytes == 0 {
		t.Fatalf("empty pdf")
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "book-1.pdf"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output is not a pdf")
	}
}

func TestBookRendererEmptyChaptersFails(t *testing.T) {
	renderer := &BookRenderer{local: &localUploader{baseDir: t.TempDir()}}
	payload, _ := json.Marshal(bookRenderPayload{BookID: "book-1", Title: "Empty"})

	res, err := renderer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeFailed {
		t.Fatalf("empty book must fail, got %+v", res)
	}
}

func TestValidateBookRenderPayload(t *testing.T) {
	valid := json.RawMessage(`{"book_id":"b","title":"t","chapters":[{"title":"c","text":"x"}]}`)
	if err := ValidateBookRenderPayload(valid); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidateBookRenderPayload(json.RawMessage(`{"book_id":"b","title":"t"}`)); err == nil {
		t.Fatalf("missing chapters must be rejected")
	}
}
