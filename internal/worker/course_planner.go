package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

// CoursePlanner plans a course one module per step, yielding between
// modules. A course of N modules takes N worker invocations before the
// assembled plan lands in the result.
type CoursePlanner struct {
	generator textGenerator
}

// JobTypeCoursePlan is the registry tag for course planning jobs.
const JobTypeCoursePlan = "course.plan"

func NewCoursePlanner(cfg config.Config) (*CoursePlanner, error) {
	gen, err := newClaudeGenerator(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.ChapterMaxTokens)
	if err != nil {
		return nil, err
	}
	return &CoursePlanner{generator: gen}, nil
}

type coursePlanPayload struct {
	CourseID    string `json:"course_id"`
	Topic       string `json:"topic"`
	GradeLevel  string `json:"grade_level,omitempty"`
	ModuleCount int    `json:"module_count"`

	// Resume state: modules planned so far.
	Modules []string `json:"modules,omitempty"`
}

type coursePlanResult struct {
	CourseID string   `json:"course_id"`
	Topic    string   `json:"topic"`
	Modules  []string `json:"modules"`
}

// ValidateCoursePlanPayload is the enqueue-time check for course plans.
func ValidateCoursePlanPayload(raw json.RawMessage) error {
	var p coursePlanPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.CourseID == "" {
		return errors.New("course_id is required")
	}
	if p.Topic == "" {
		return errors.New("topic is required")
	}
	if p.ModuleCount <= 0 {
		return errors.New("module_count must be positive")
	}
	return nil
}

func (c *CoursePlanner) Step(ctx context.Context, job models.Job) (jobtype.StepResult, error) {
	var p coursePlanPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobtype.Fail("decode course plan payload: %v", err), nil
	}

	if len(p.Modules) >= p.ModuleCount {
		result, err := json.Marshal(coursePlanResult{CourseID: p.CourseID, Topic: p.Topic, Modules: p.Modules})
		if err != nil {
			return jobtype.StepResult{}, fmt.Errorf("encode result: %w", err)
		}
		return jobtype.Done(result), nil
	}

	idx := len(p.Modules)
	system := "You plan course modules for an educational platform. Respond with a module title and 3-5 lesson titles, nothing else."
	prompt := fmt.Sprintf("Course on %q, module %d of %d.", p.Topic, idx+1, p.ModuleCount)
	if p.GradeLevel != "" {
		prompt += " Grade level: " + p.GradeLevel
	}
	if idx > 0 {
		prompt += fmt.Sprintf(" Previous module: %s", p.Modules[idx-1])
	}
	module, err := c.generator.Generate(ctx, system, prompt)
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("plan module %d: %w", idx+1, err)
	}

	p.Modules = append(p.Modules, module)
	next, err := json.Marshal(p)
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("encode resume state: %w", err)
	}
	return jobtype.ContinueYield(next, jobtype.Progress{
		Stage:   fmt.Sprintf("module_%d", idx+1),
		Percent: (idx + 1) * 100 / (p.ModuleCount + 1),
		Message: fmt.Sprintf("planned module %d of %d", idx+1, p.ModuleCount),
	}), nil
}
