package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-pdf/fpdf"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

// BookRenderer assembles generated chapters into a PDF on the render
// queue. Rendering is CPU-only and fast, so the whole book is one step.
type BookRenderer struct {
	local  artifactUploader
	remote artifactUploader
}

// JobTypeBookRender is the registry tag for book render jobs.
const JobTypeBookRender = "book.render"

func NewBookRenderer(ctx context.Context, cfg config.Config) (*BookRenderer, error) {
	baseDir := cfg.RenderOutputDir
	if baseDir == "" {
		baseDir = "./output/books"
	}
	var remote artifactUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		remote = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}
	return &BookRenderer{
		local:  &localUploader{baseDir: baseDir},
		remote: remote,
	}, nil
}

type renderChapter struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type bookRenderPayload struct {
	BookID      string          `json:"book_id"`
	Title       string          `json:"title"`
	Author      string          `json:"author,omitempty"`
	Chapters    []renderChapter `json:"chapters"`
	OutputKey   string          `json:"output_key,omitempty"`
	Destination string          `json:"destination,omitempty"`
}

type bookRenderResult struct {
	BookID   string `json:"book_id"`
	Location string `json:"location"`
	Pages    int    `json:"pages"`
	Bytes    int    `json:"bytes"`
}

// ValidateBookRenderPayload is the enqueue-time check for render jobs.
func ValidateBookRenderPayload(raw json.RawMessage) error {
	var p bookRenderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.BookID == "" {
		return errors.New("book_id is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	if len(p.Chapters) == 0 {
		return errors.New("at least one chapter is required")
	}
	return nil
}

func (b *BookRenderer) Step(ctx context.Context, job models.Job) (jobtype.StepResult, error) {
	var p bookRenderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobtype.Fail("decode render payload: %v", err), nil
	}
	if len(p.Chapters) == 0 {
		return jobtype.Fail("at least one chapter is required"), nil
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(p.Title, true)
	if p.Author != "" {
		pdf.SetAuthor(p.Author, true)
	}

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 24)
	pdf.MultiCell(0, 12, p.Title, "", "C", false)
	if p.Author != "" {
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 14)
		pdf.MultiCell(0, 8, p.Author, "", "C", false)
	}

	for i, ch := range p.Chapters {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 16)
		pdf.MultiCell(0, 10, fmt.Sprintf("%d. %s", i+1, ch.Title), "", "L", false)
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 5, ch.Text, "", "L", false)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return jobtype.StepResult{}, fmt.Errorf("render pdf: %w", err)
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.pdf", p.BookID)
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := pickUploader(p.Destination, b.local, b.remote)
	if err != nil {
		return jobtype.StepResult{}, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), "application/pdf")
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("upload: %w", err)
	}

	result, err := json.Marshal(bookRenderResult{
		BookID:   p.BookID,
		Location: location,
		Pages:    pdf.PageCount(),
		Bytes:    buf.Len(),
	})
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("encode result: %w", err)
	}
	return jobtype.Done(result), nil
}
