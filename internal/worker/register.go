package worker

import (
	"context"

	"github.com/phuslu/log"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
)

// BuildRegistry registers the platform's executors. The generation
// executors need an Anthropic API key; without one they are skipped and
// their job types are rejected at enqueue.
func BuildRegistry(ctx context.Context, cfg config.Config) (*jobtype.Registry, error) {
	reg := jobtype.NewRegistry()

	resizer, err := NewMediaResizer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reg.Register(JobTypeMediaResize, resizer, ValidateMediaResizePayload)

	renderer, err := NewBookRenderer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reg.Register(JobTypeBookRender, renderer, ValidateBookRenderPayload)

	if cfg.AnthropicAPIKey == "" {
		log.Warn().Msg("ANTHROPIC_API_KEY not set, generation executors disabled")
		return reg, nil
	}
	writer, err := NewChapterWriter(cfg)
	if err != nil {
		return nil, err
	}
	reg.Register(JobTypeChapter, writer, ValidateChapterPayload)

	planner, err := NewCoursePlanner(cfg)
	if err != nil {
		return nil, err
	}
	reg.Register(JobTypeCoursePlan, planner, ValidateCoursePlanPayload)

	return reg, nil
}
