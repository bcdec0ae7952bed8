// -----------------------------------------------------------------------
// Pipeline Executor - drives one leased job through plan, steps,
// synthesis and deliverables
// -----------------------------------------------------------------------

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Progress bands across the run
const (
	progressDecoded   = 5
	progressPrepared  = 10
	progressPlanned   = 15
	progressStepsEnd  = 70
	progressSynthesis = 85
	progressDone      = 100
)

// Executor runs jobs leased by the scheduler. It is safe for concurrent use;
// all per-run state lives on the stack of Run.
type Executor struct {
	jobs        *queue.JobService
	ai          interfaces.AIClient
	checkpoints *Checkpoints
	window      ContextWindow
	config      common.PipelineConfig
	markdown    goldmark.Markdown
	logger      arbor.ILogger
	now         func() time.Time
}

// NewExecutor creates a pipeline executor
func NewExecutor(
	jobs *queue.JobService,
	ai interfaces.AIClient,
	tracker interfaces.CostTracker,
	events interfaces.EventService,
	config common.PipelineConfig,
	logger arbor.ILogger,
) *Executor {
	return &Executor{
		jobs:        jobs,
		ai:          ai,
		checkpoints: NewCheckpoints(jobs, tracker, events, logger),
		window:      ContextWindow{SentencesPerStep: config.ContextSentences},
		config:      config,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for durations and timestamps, for tests
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// run carries the mutable state of one execution
type run struct {
	job     *models.Job
	lease   *queue.Lease
	task    interfaces.JobTask
	started time.Time
	totals  models.UsageDelta
	logger  arbor.ILogger
}

// Run executes job under lease until it reaches a terminal state. The returned error
// is informational: the job has already been released as failed or cancelled unless
// the error wraps ErrLeaseLost.
func (e *Executor) Run(ctx context.Context, job *models.Job, lease *queue.Lease) error {
	r := &run{
		job:     job,
		lease:   lease,
		started: e.now(),
		logger:  e.logger.WithCorrelationId(job.ID),
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Msg("Job started")

	e.checkpoints.Started(ctx, job)

	result, err := e.execute(ctx, r)
	duration := e.now().Sub(r.started)

	switch {
	case err == nil:
		result.TotalCost = r.totals.Cost
		result.TotalTokens = r.totals.Tokens
		result.APICalls = r.totals.APICalls
		result.DurationMs = duration.Milliseconds()
		if releaseErr := e.checkpoints.Completed(ctx, job, result, r.totals, duration); releaseErr != nil {
			return e.releaseFailed(r, releaseErr)
		}
		r.logger.Info().
			Str("job_id", job.ID).
			Float64("cost_usd", r.totals.Cost).
			Int64("tokens", r.totals.Tokens).
			Int("api_calls", r.totals.APICalls).
			Dur("duration", duration).
			Msg("Job completed")
		return nil

	case errors.Is(err, models.ErrLeaseLost):
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Lease lost - abandoning job without release")
		return err

	case errors.Is(err, models.ErrJobCancelled):
		if releaseErr := e.checkpoints.Cancelled(ctx, job, r.totals, duration); releaseErr != nil {
			return e.releaseFailed(r, releaseErr)
		}
		r.logger.Info().Str("job_id", job.ID).Float64("cost_usd", r.totals.Cost).Msg("Job cancelled")
		return err

	default:
		reason := err.Error()
		if releaseErr := e.checkpoints.Failed(ctx, job, reason, r.totals, duration); releaseErr != nil {
			return e.releaseFailed(r, releaseErr)
		}
		r.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Float64("cost_usd", r.totals.Cost).
			Dur("duration", duration).
			Msg("Job failed")
		return err
	}
}

func (e *Executor) releaseFailed(r *run, err error) error {
	r.logger.Error().Err(err).Str("job_id", r.job.ID).Msg("Failed to release job")
	if r.lease != nil && errors.Is(err, models.ErrLeaseLost) {
		r.lease.MarkLost()
	}
	return err
}

func (e *Executor) execute(ctx context.Context, r *run) (models.PipelineResult, error) {
	task, err := e.jobs.Registry().Decode(r.job.Type, r.job.Data)
	if err != nil {
		return models.PipelineResult{}, err
	}
	r.task = task
	if err := e.checkpoints.Progress(ctx, r.job, progressDecoded); err != nil {
		return models.PipelineResult{}, err
	}

	material, err := task.Prepare(ctx)
	if err != nil {
		return models.PipelineResult{}, fmt.Errorf("failed to prepare material: %w", err)
	}
	if err := e.checkpoints.Progress(ctx, r.job, progressPrepared); err != nil {
		return models.PipelineResult{}, err
	}

	plan, err := BuildPlan(task.ProposeSteps(material), task.Depth(), e.config.MaxSteps, e.config.StepMaxTokens)
	if err != nil {
		return models.PipelineResult{}, err
	}
	r.logger.Debug().
		Str("job_id", r.job.ID).
		Int("steps", len(plan.Steps)).
		Str("depth", string(task.Depth())).
		Msg("Plan built")
	if err := e.checkpoints.Progress(ctx, r.job, progressPlanned); err != nil {
		return models.PipelineResult{}, err
	}

	results, err := e.runSteps(ctx, r, plan, material)
	if err != nil {
		return models.PipelineResult{}, err
	}

	// Cancellation is honoured at phase boundaries too
	if err := e.checkBoundary(ctx, r); err != nil {
		return models.PipelineResult{}, err
	}

	synthesis, err := e.call(ctx, r, synthesisPrompt(material, results), e.config.SynthesisMaxTokens)
	if err != nil {
		return models.PipelineResult{}, fmt.Errorf("synthesis failed: %w", err)
	}
	if err := e.checkpoints.Progress(ctx, r.job, progressSynthesis); err != nil {
		return models.PipelineResult{}, err
	}

	if err := e.checkBoundary(ctx, r); err != nil {
		return models.PipelineResult{}, err
	}

	deliverables := e.runDeliverables(ctx, r, material, synthesis.Content)

	result := models.PipelineResult{
		Plan:         plan,
		Steps:        results,
		Synthesis:    synthesis.Content,
		Deliverables: deliverables,
		Metadata:     material.Metadata,
	}
	if summary, ok := deliverables[models.DeliverableSummary]; ok && summary.Error == "" {
		result.Summary = &summary
	}
	return result, nil
}

func (e *Executor) runSteps(ctx context.Context, r *run, plan models.Plan, material models.Material) ([]models.StepResult, error) {
	total := len(plan.Steps)
	results := make([]models.StepResult, 0, total)

	for i, step := range plan.Steps {
		if err := e.checkBoundary(ctx, r); err != nil {
			return results, err
		}

		priorContext := e.window.Build(results)
		prompt := r.task.StepPrompt(step, material, priorContext)

		r.logger.Debug().
			Str("job_id", r.job.ID).
			Int("step", step.Number).
			Int("of", total).
			Str("name", step.Name).
			Int("context_chars", len(priorContext)).
			Msg("Executing step")

		response, err := e.call(ctx, r, prompt, step.EstimatedBudget)
		if err != nil {
			return results, fmt.Errorf("step %d (%s) failed: %w", step.Number, step.Name, err)
		}

		results = append(results, models.StepResult{
			StepNumber:  step.Number,
			Name:        step.Name,
			Content:     response.Content,
			TokensUsed:  response.Tokens,
			Cost:        response.Cost,
			CompletedAt: e.now(),
		})

		if err := e.checkpoints.Progress(ctx, r.job, stepProgress(i, total)); err != nil {
			return results, err
		}
	}
	return results, nil
}

// runDeliverables produces each requested kind. A failing deliverable records its
// error in its own slot and never fails the job.
func (e *Executor) runDeliverables(ctx context.Context, r *run, material models.Material, synthesis string) map[models.DeliverableKind]models.Deliverable {
	kinds := r.task.Deliverables()
	deliverables := make(map[models.DeliverableKind]models.Deliverable, len(kinds))

	for i, kind := range kinds {
		deliverable := models.Deliverable{Kind: kind}

		response, err := e.call(ctx, r, deliverablePrompt(kind, material, synthesis), e.config.DeliverableMaxTokens)
		if err != nil {
			deliverable.Error = err.Error()
			r.logger.Warn().Err(err).Str("job_id", r.job.ID).Str("deliverable", string(kind)).Msg("Deliverable failed")
		} else {
			deliverable.Content = response.Content
			deliverable.TokensUsed = response.Tokens
			deliverable.Cost = response.Cost
			if kind == models.DeliverableReport {
				deliverable.HTML = e.renderHTML(r, response.Content)
			}
		}
		deliverables[kind] = deliverable

		progress := progressSynthesis + int(math.Floor(float64(i+1)/float64(len(kinds))*float64(progressDone-progressSynthesis)))
		if err := e.checkpoints.Progress(ctx, r.job, progress); err != nil {
			// The job is released by the caller; a lost lease here only skips progress.
			r.logger.Warn().Err(err).Str("job_id", r.job.ID).Msg("Progress update rejected during deliverables")
		}
	}
	return deliverables
}

// call sends one prompt and books its usage, including failed attempts
func (e *Executor) call(ctx context.Context, r *run, prompt string, maxTokens int) (interfaces.GenerateResponse, error) {
	response, err := e.ai.Generate(ctx, interfaces.GenerateRequest{
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Persona:   r.task.Persona(),
	})

	calls := response.Attempts
	if calls == 0 {
		calls = 1
	}
	delta := models.UsageDelta{APICalls: calls}
	if err == nil {
		delta.Cost = response.Cost
		delta.Tokens = response.Tokens
	}
	r.totals = r.totals.Add(delta)
	e.checkpoints.Usage(ctx, r.job.ID, delta)

	return response, err
}

// checkBoundary stops the run when the lease is gone or cancellation was requested.
// The store is consulted directly so a request is seen even between heartbeats.
func (e *Executor) checkBoundary(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrLeaseLost, err)
	}
	if r.lease != nil {
		if r.lease.Lost() {
			return models.ErrLeaseLost
		}
		if r.lease.CancelRequested() {
			return models.ErrJobCancelled
		}
	}

	current, err := e.jobs.Get(ctx, r.job.ID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return fmt.Errorf("%w: %w", models.ErrLeaseLost, err)
		}
		r.logger.Warn().Err(err).Str("job_id", r.job.ID).Msg("Failed to check cancellation")
		return nil
	}
	if current.LockOwner != r.job.LockOwner {
		return models.ErrLeaseLost
	}
	if current.CancelRequested {
		return models.ErrJobCancelled
	}
	return nil
}

func (e *Executor) renderHTML(r *run, markdown string) string {
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(markdown), &buf); err != nil {
		r.logger.Warn().Err(err).Str("job_id", r.job.ID).Msg("Failed to render report HTML")
		return ""
	}
	return buf.String()
}

// stepProgress maps completion of step index i of total into the 15-70 band
func stepProgress(i, total int) int {
	return progressPlanned + int(math.Floor(float64(i+1)/float64(total)*float64(progressStepsEnd-progressPlanned)))
}
