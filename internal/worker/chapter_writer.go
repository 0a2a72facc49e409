package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

// ChapterWriter generates one book chapter as two bounded steps: outline
// first, then draft. The outline step yields the job back to the queue
// so a single invocation never spans two model calls. Composite books
// run one chapter job per unit under the chaining controller.
type ChapterWriter struct {
	generator textGenerator
}

// JobTypeChapter is the registry tag for chapter generation jobs.
const JobTypeChapter = "book.chapter"

func NewChapterWriter(cfg config.Config) (*ChapterWriter, error) {
	gen, err := newClaudeGenerator(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.ChapterMaxTokens)
	if err != nil {
		return nil, err
	}
	return &ChapterWriter{generator: gen}, nil
}

type chapterPayload struct {
	BookID       string `json:"book_id"`
	ChapterIndex int    `json:"chapter_index"`
	Title        string `json:"title"`
	Brief        string `json:"brief,omitempty"`
	Audience     string `json:"audience,omitempty"`

	// Resume state written by the outline step.
	Stage   string `json:"stage,omitempty"`
	Outline string `json:"outline,omitempty"`
}

type chapterResult struct {
	BookID       string `json:"book_id"`
	ChapterIndex int    `json:"chapter_index"`
	Title        string `json:"title"`
	Outline      string `json:"outline"`
	Text         string `json:"text"`
	Words        int    `json:"words"`
}

// ValidateChapterPayload is the enqueue-time check for chapter jobs.
func ValidateChapterPayload(raw json.RawMessage) error {
	var p chapterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.BookID == "" {
		return errors.New("book_id is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

func (c *ChapterWriter) Step(ctx context.Context, job models.Job) (jobtype.StepResult, error) {
	var p chapterPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobtype.Fail("decode chapter payload: %v", err), nil
	}

	switch p.Stage {
	case "", "outline":
		system := "You outline chapters for educational books. Respond with a numbered outline of 4-8 sections, nothing else."
		prompt := fmt.Sprintf("Book %s, chapter %d: %q.", p.BookID, p.ChapterIndex+1, p.Title)
		if p.Brief != "" {
			prompt += " Brief: " + p.Brief
		}
		if p.Audience != "" {
			prompt += " Audience: " + p.Audience
		}
		outline, err := c.generator.Generate(ctx, system, prompt)
		if err != nil {
			return jobtype.StepResult{}, fmt.Errorf("outline chapter: %w", err)
		}
		p.Outline = outline
		p.Stage = "draft"
		next, err := json.Marshal(p)
		if err != nil {
			return jobtype.StepResult{}, fmt.Errorf("encode resume state: %w", err)
		}
		return jobtype.ContinueYield(next, jobtype.Progress{Stage: "outline", Percent: 50, Message: "outline written"}), nil

	case "draft":
		system := "You write chapters for educational books, following the given outline closely. Respond with the chapter text only."
		prompt := fmt.Sprintf("Write chapter %d, %q, from this outline:\n%s", p.ChapterIndex+1, p.Title, p.Outline)
		text, err := c.generator.Generate(ctx, system, prompt)
		if err != nil {
			return jobtype.StepResult{}, fmt.Errorf("draft chapter: %w", err)
		}
		result, err := json.Marshal(chapterResult{
			BookID:       p.BookID,
			ChapterIndex: p.ChapterIndex,
			Title:        p.Title,
			Outline:      p.Outline,
			Text:         text,
			Words:        len(strings.Fields(text)),
		})
		if err != nil {
			return jobtype.StepResult{}, fmt.Errorf("encode result: %w", err)
		}
		return jobtype.Done(result), nil

	default:
		return jobtype.Fail("unknown chapter stage %q", p.Stage), nil
	}
}
