// -----------------------------------------------------------------------
// Job Service - enqueue, lease and cancellation over the durable job store
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

// EnqueueOptions are the optional submission parameters
type EnqueueOptions struct {
	Priority models.Priority

	// Delay and RunAt defer the first run. RunAt wins when both are set.
	Delay time.Duration
	RunAt *time.Time

	// RepeatSchedule makes the job recurring (cron, "@every 1h" or a duration)
	RepeatSchedule string

	// UniqueKey deduplicates against non-terminal jobs with the same key.
	// For recurring jobs it is also the schedule key.
	UniqueKey string
}

// JobService is the single entry point for job lifecycle changes
type JobService struct {
	jobs      interfaces.JobStorage
	schedules interfaces.ScheduleStorage
	registry  *Registry
	tracker   interfaces.CostTracker
	events    interfaces.EventService
	config    Config
	logger    arbor.ILogger
	now       func() time.Time
}

// NewJobService wires the job service. tracker and events may be nil.
func NewJobService(
	jobs interfaces.JobStorage,
	schedules interfaces.ScheduleStorage,
	registry *Registry,
	tracker interfaces.CostTracker,
	events interfaces.EventService,
	config Config,
	logger arbor.ILogger,
) *JobService {
	return &JobService{
		jobs:      jobs,
		schedules: schedules,
		registry:  registry,
		tracker:   tracker,
		events:    events,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *JobService) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock
func (s *JobService) Now() time.Time {
	return s.now()
}

// Owner returns the lease owner identity of this process
func (s *JobService) Owner() string {
	return s.config.Owner
}

// Config returns the lease configuration
func (s *JobService) Config() Config {
	return s.config
}

// Registry returns the handler registry
func (s *JobService) Registry() *Registry {
	return s.registry
}

// Enqueue validates and stores a new job, returning its ID. When UniqueKey matches a
// non-terminal job that job's ID is returned and nothing is created.
func (s *JobService) Enqueue(ctx context.Context, jobType models.JobType, data json.RawMessage, opts EnqueueOptions) (string, error) {
	if _, err := s.registry.Decode(jobType, data); err != nil {
		return "", err
	}

	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}

	if opts.RepeatSchedule != "" {
		return s.enqueueRecurring(ctx, jobType, data, opts)
	}

	now := s.now()
	runAt := opts.RunAt
	if runAt == nil && opts.Delay > 0 {
		at := now.Add(opts.Delay)
		runAt = &at
	}

	job := models.NewJob(jobType, data, opts.Priority, runAt, s.config.Lifetime(jobType), now)
	job.UniqueKey = opts.UniqueKey

	return s.create(ctx, job)
}

func (s *JobService) enqueueRecurring(ctx context.Context, jobType models.JobType, data json.RawMessage, opts EnqueueOptions) (string, error) {
	sched, err := common.ParseSchedule(opts.RepeatSchedule)
	if err != nil {
		return "", models.NewValidationError("invalid repeat schedule", models.FieldError{Field: "repeat_schedule", Message: err.Error()})
	}

	key := opts.UniqueKey
	if key == "" {
		key = "schedule-" + uuid.New().String()
	}

	now := s.now()
	schedule := models.Schedule{
		Key:        key,
		JobType:    jobType,
		Data:       data,
		Priority:   opts.Priority,
		Expression: opts.RepeatSchedule,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := s.schedules.GetSchedule(ctx, key); err == nil {
		schedule.CreatedAt = existing.CreatedAt
		schedule.LastSpawnedAt = existing.LastSpawnedAt
	}

	slot := sched.Next(now)
	if opts.RunAt != nil {
		slot = *opts.RunAt
	} else if opts.Delay > 0 {
		slot = now.Add(opts.Delay)
	}

	if err := s.schedules.SaveSchedule(ctx, schedule); err != nil {
		return "", fmt.Errorf("failed to save schedule %s: %w", key, err)
	}

	id, created, err := s.SpawnScheduled(ctx, schedule, slot)
	if err != nil {
		return "", err
	}
	if created {
		s.logger.Info().Str("schedule_key", key).Str("expression", opts.RepeatSchedule).Msg("Recurring job registered")
	}
	return id, nil
}

// SpawnScheduled creates the instance of schedule for slot unless one is already active.
func (s *JobService) SpawnScheduled(ctx context.Context, schedule models.Schedule, slot time.Time) (string, bool, error) {
	now := s.now()
	job := models.NewJob(schedule.JobType, schedule.Data, schedule.Priority, &slot, s.config.Lifetime(schedule.JobType), now)
	job.ScheduleKey = schedule.Key
	job.UniqueKey = scheduleUniqueKey(schedule.Key)

	saved, created, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return "", false, fmt.Errorf("failed to create scheduled job: %w", err)
	}
	if !created {
		return saved.ID, false, nil
	}

	if err := s.schedules.SaveSchedule(ctx, schedule.WithSpawned(slot, now)); err != nil {
		s.logger.Warn().Err(err).Str("schedule_key", schedule.Key).Msg("Failed to record schedule spawn")
	}
	s.afterCreate(ctx, *saved)
	return saved.ID, true, nil
}

func scheduleUniqueKey(key string) string {
	return "schedule:" + key
}

func (s *JobService) create(ctx context.Context, job models.Job) (string, error) {
	saved, created, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		s.logger.Debug().Str("job_id", saved.ID).Str("unique_key", job.UniqueKey).Msg("Duplicate enqueue returned existing job")
		return saved.ID, nil
	}
	s.afterCreate(ctx, *saved)
	return saved.ID, nil
}

func (s *JobService) afterCreate(ctx context.Context, job models.Job) {
	if s.tracker != nil {
		s.tracker.Create(ctx, job)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("priority", string(job.Priority)).
		Msg("Job enqueued")

	s.publish(ctx, models.EventJobCreated, map[string]interface{}{
		"jobId": job.ID,
		"type":  string(job.Type),
	})
}

// Get returns a job by ID
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// Query lists jobs; status filters are evaluated against the derived status now
func (s *JobService) Query(ctx context.Context, query interfaces.JobQuery) ([]*models.Job, error) {
	return s.jobs.QueryJobs(ctx, query, s.now())
}

// Count counts jobs matching query
func (s *JobService) Count(ctx context.Context, query interfaces.JobQuery) (int, error) {
	return s.jobs.CountJobs(ctx, query, s.now())
}

// Claim leases up to maxBatch due jobs of jobType for this process
func (s *JobService) Claim(ctx context.Context, jobType models.JobType, maxBatch int) ([]*models.Job, error) {
	return s.jobs.ClaimJobs(ctx, interfaces.ClaimRequest{
		Type:         jobType,
		Owner:        s.config.Owner,
		MaxBatch:     maxBatch,
		Concurrency:  s.config.Concurrency(jobType),
		LockLifetime: s.config.Lifetime(jobType),
		Now:          s.now(),
	})
}

// Heartbeat renews the lease on id held by the claim identified by token.
// token is the LockOwner of the job as returned by Claim.
func (s *JobService) Heartbeat(ctx context.Context, id, token string) (*models.Job, error) {
	return s.jobs.Heartbeat(ctx, id, token, s.now())
}

// UpdateProgress persists progress; it never decreases
func (s *JobService) UpdateProgress(ctx context.Context, id, token string, progress int) (*models.Job, error) {
	return s.jobs.UpdateProgress(ctx, id, token, progress, s.now())
}

// Release records the terminal outcome of a leased job
func (s *JobService) Release(ctx context.Context, id, token string, release interfaces.Release) (*models.Job, error) {
	return s.jobs.ReleaseJob(ctx, id, token, release, s.now())
}

// Cancel removes matching idle jobs and requests cooperative cancellation of leased ones.
// Cancelling a recurring instance disables its schedule so it is not respawned.
func (s *JobService) Cancel(ctx context.Context, query interfaces.JobQuery) (interfaces.CancelResult, error) {
	now := s.now()
	result, err := s.jobs.CancelJobs(ctx, query, now)
	if err != nil {
		return result, err
	}

	disabled := map[string]bool{}
	for _, job := range append(append([]models.Job{}, result.Removed...), result.Requested...) {
		if job.ScheduleKey != "" && !disabled[job.ScheduleKey] {
			disabled[job.ScheduleKey] = true
			s.disableSchedule(ctx, job.ScheduleKey, now)
		}
	}

	for _, job := range result.Removed {
		s.recordCancelled(ctx, job)
	}
	for _, job := range result.Requested {
		s.logger.Info().Str("job_id", job.ID).Msg("Cancellation requested for running job")
	}
	return result, nil
}

func (s *JobService) disableSchedule(ctx context.Context, key string, now time.Time) {
	schedule, err := s.schedules.GetSchedule(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrScheduleNotFound) {
			s.logger.Warn().Err(err).Str("schedule_key", key).Msg("Failed to load schedule for cancellation")
		}
		return
	}
	if err := s.schedules.SaveSchedule(ctx, schedule.WithEnabled(false, now)); err != nil {
		s.logger.Warn().Err(err).Str("schedule_key", key).Msg("Failed to disable schedule")
		return
	}
	s.logger.Info().Str("schedule_key", key).Msg("Schedule disabled by cancellation")
}

// recordCancelled closes the metric with its partial cost and emits job_cancelled for a removed job
func (s *JobService) recordCancelled(ctx context.Context, job models.Job) {
	if s.tracker != nil {
		s.tracker.MarkTerminal(ctx, job.ID, models.JobStatusCancelled, "cancelled")
	}
	s.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
	s.publish(ctx, models.EventJobCancelled, map[string]interface{}{"jobId": job.ID})
}

// ExpireLeases sweeps abandoned leases: reclaimable jobs restart from zero progress,
// jobs out of attempts are failed with "lease expired".
func (s *JobService) ExpireLeases(ctx context.Context) (interfaces.ExpireResult, error) {
	now := s.now()
	result, err := s.jobs.ExpireLeases(ctx, now, s.config.MaxAttempts)
	if err != nil {
		return result, err
	}

	for _, job := range result.Reset {
		s.logger.Warn().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("Lease expired - job is reclaimable")
	}
	for _, job := range result.Failed {
		s.logger.Error().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("Lease expired with no attempts left - job failed")
		if s.tracker != nil {
			s.tracker.MarkTerminal(ctx, job.ID, models.JobStatusFailed, job.FailReason)
		}
		s.publish(ctx, models.EventJobFailed, map[string]interface{}{
			"jobId": job.ID,
			"error": job.FailReason,
		})
	}
	for _, job := range result.Cancelled {
		s.recordCancelled(ctx, job)
	}
	return result, nil
}

// ListSchedules returns recurring definitions
func (s *JobService) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	return s.schedules.ListSchedules(ctx, enabledOnly)
}

// GetSchedule returns the recurring definition stored under key
func (s *JobService) GetSchedule(ctx context.Context, key string) (*models.Schedule, error) {
	return s.schedules.GetSchedule(ctx, key)
}

// SaveSchedule stores a recurring definition after validating its expression and payload
func (s *JobService) SaveSchedule(ctx context.Context, schedule models.Schedule) error {
	if err := common.ValidateScheduleExpression(schedule.Expression); err != nil {
		return models.NewValidationError("invalid schedule", models.FieldError{Field: "expression", Message: err.Error()})
	}
	if _, err := s.registry.Decode(schedule.JobType, schedule.Data); err != nil {
		return err
	}
	return s.schedules.SaveSchedule(ctx, schedule)
}

func (s *JobService) publish(ctx context.Context, eventType models.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, models.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
