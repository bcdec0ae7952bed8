package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
)

// Checkpoints is the one place the executor writes progress, cost and lifecycle events.
// Job writes that fail with ErrLeaseLost are returned so the run can stop; everything
// else is best-effort.
type Checkpoints struct {
	jobs    *queue.JobService
	tracker interfaces.CostTracker
	events  interfaces.EventService
	logger  arbor.ILogger
}

// NewCheckpoints wires the side-write targets. tracker and events may be nil.
func NewCheckpoints(jobs *queue.JobService, tracker interfaces.CostTracker, events interfaces.EventService, logger arbor.ILogger) *Checkpoints {
	return &Checkpoints{jobs: jobs, tracker: tracker, events: events, logger: logger}
}

// Started marks the metric running
func (c *Checkpoints) Started(ctx context.Context, job *models.Job) {
	if c.tracker != nil {
		c.tracker.Start(ctx, job.ID)
	}
}

// Progress persists progress and emits job_progress. Only a lost lease is returned.
func (c *Checkpoints) Progress(ctx context.Context, job *models.Job, progress int) error {
	jobID := job.ID
	if _, err := c.jobs.UpdateProgress(ctx, jobID, job.LockOwner, progress); err != nil {
		if errors.Is(err, models.ErrLeaseLost) || errors.Is(err, models.ErrJobNotFound) {
			return fmt.Errorf("%w: %w", models.ErrLeaseLost, err)
		}
		c.logger.Warn().Err(err).Str("job_id", jobID).Int("progress", progress).Msg("Failed to persist progress")
	}

	c.publish(ctx, models.EventJobProgress, map[string]interface{}{
		"jobId":    jobID,
		"progress": progress,
		"status":   string(models.JobStatusRunning),
	})
	return nil
}

// Usage records the cost of one external call
func (c *Checkpoints) Usage(ctx context.Context, jobID string, delta models.UsageDelta) {
	if c.tracker == nil || delta == (models.UsageDelta{}) {
		return
	}
	c.tracker.Record(ctx, jobID, delta)
}

// Completed releases the job with its result and finalizes the metric
func (c *Checkpoints) Completed(ctx context.Context, job *models.Job, result models.PipelineResult, totals models.UsageDelta, duration time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return c.Failed(ctx, job, fmt.Sprintf("failed to encode result: %v", err), totals, duration)
	}

	if _, err := c.jobs.Release(ctx, job.ID, job.LockOwner, interfaces.Release{Outcome: interfaces.OutcomeCompleted, Result: payload}); err != nil {
		return fmt.Errorf("failed to release completed job: %w", err)
	}

	c.finish(ctx, job, models.JobStatusCompleted, totals, duration, "")

	var resultMap map[string]interface{}
	if err := json.Unmarshal(payload, &resultMap); err != nil {
		resultMap = map[string]interface{}{}
	}
	c.publish(ctx, models.EventJobCompleted, map[string]interface{}{
		"jobId":  job.ID,
		"result": resultMap,
	})
	return nil
}

// Failed releases the job as failed. The metric keeps the cost spent so far.
func (c *Checkpoints) Failed(ctx context.Context, job *models.Job, reason string, totals models.UsageDelta, duration time.Duration) error {
	if _, err := c.jobs.Release(ctx, job.ID, job.LockOwner, interfaces.Release{Outcome: interfaces.OutcomeFailed, Reason: reason}); err != nil {
		return fmt.Errorf("failed to release failed job: %w", err)
	}

	c.finish(ctx, job, models.JobStatusFailed, totals, duration, reason)
	c.publish(ctx, models.EventJobFailed, map[string]interface{}{
		"jobId": job.ID,
		"error": reason,
	})
	return nil
}

// Cancelled removes the job after an observed cancellation request
func (c *Checkpoints) Cancelled(ctx context.Context, job *models.Job, totals models.UsageDelta, duration time.Duration) error {
	if _, err := c.jobs.Release(ctx, job.ID, job.LockOwner, interfaces.Release{Outcome: interfaces.OutcomeCancelled}); err != nil {
		return fmt.Errorf("failed to release cancelled job: %w", err)
	}

	c.finish(ctx, job, models.JobStatusCancelled, totals, duration, "cancelled")
	c.publish(ctx, models.EventJobCancelled, map[string]interface{}{"jobId": job.ID})
	return nil
}

func (c *Checkpoints) finish(ctx context.Context, job *models.Job, status models.JobStatus, totals models.UsageDelta, duration time.Duration, errMsg string) {
	if c.tracker == nil {
		return
	}
	c.tracker.Finish(ctx, job.ID, status, totals, duration, errMsg)
	if totals.Cost > 0 {
		c.tracker.AlertIfOverThreshold(ctx, job.ID, job.Type, totals.Cost)
	}
}

func (c *Checkpoints) publish(ctx context.Context, eventType models.EventType, payload map[string]interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, models.Event{Type: eventType, Payload: payload}); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
