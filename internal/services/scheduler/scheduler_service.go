package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
)

// Runner executes one claimed job to a terminal state
type Runner interface {
	Run(ctx context.Context, job *models.Job, lease *queue.Lease) error
}

// Pruner removes orphaned cost metrics
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Config holds the polling loop settings
type Config struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// MaxConcurrency caps jobs running in this process across all types
	MaxConcurrency int
	// Retention and PruneInterval drive metric pruning from the sweep. Zero disables it.
	Retention     time.Duration
	PruneInterval time.Duration
}

// ConfigFromCommon maps the [scheduler] and [metrics] sections
func ConfigFromCommon(config *common.Config) Config {
	c := Config{
		PollInterval:    common.ParseDurationOr(config.Scheduler.PollInterval, 10*time.Second),
		ShutdownTimeout: common.ParseDurationOr(config.Scheduler.ShutdownTimeout, 30*time.Second),
		MaxConcurrency:  config.Scheduler.MaxConcurrency,
		Retention:       common.ParseDurationOr(config.Metrics.Retention, 0),
		PruneInterval:   common.ParseDurationOr(config.Metrics.PruneInterval, time.Hour),
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	return c
}

// Service is the polling loop: it sweeps expired leases, keeps recurring schedules
// populated, claims due jobs within concurrency limits and dispatches them.
type Service struct {
	jobs   *queue.JobService
	runner Runner
	pruner Pruner
	config Config
	logger arbor.ILogger

	mu        sync.Mutex
	running   map[models.JobType]int
	total     int
	lastPrune time.Time
	started   bool

	trigger   chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	inflight  sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewService creates the scheduler. pruner may be nil.
func NewService(jobs *queue.JobService, runner Runner, pruner Pruner, config Config, logger arbor.ILogger) *Service {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &Service{
		jobs:    jobs,
		runner:  runner,
		pruner:  pruner,
		config:  config,
		logger:  logger,
		running: make(map[models.JobType]int),
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the polling loop. Dispatched jobs are detached from ctx so that
// cancelling it stops polling without aborting in-flight work; Stop bounds that wait.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already running")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	common.SafeGo(s.logger, "scheduler-loop", func() {
		defer close(s.loopDone)
		s.loop(ctx)
	})

	s.logger.Info().
		Str("owner", s.jobs.Owner()).
		Dur("poll_interval", s.config.PollInterval).
		Int("max_concurrency", s.config.MaxConcurrency).
		Msg("Scheduler started")
	return nil
}

// Trigger requests an immediate tick
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop halts polling and waits up to the shutdown timeout for in-flight jobs.
// Jobs still running after that are abandoned; their leases expire and the
// next sweep of any worker makes them reclaimable.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		s.runCancel()
		s.logger.Info().
			Int64("goroutines_spawned", common.GetGoroutineCount()).
			Msg("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		s.runCancel()
		s.logger.Warn().
			Int("in_flight", s.Running()).
			Dur("timeout", timeout).
			Int64("goroutines_spawned", common.GetGoroutineCount()).
			Msg("Shutdown timeout reached - abandoning in-flight jobs")
		return fmt.Errorf("scheduler shutdown timed out with %d jobs in flight", s.Running())
	}
}

// Running returns the number of jobs this process is executing
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tickSafely(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickSafely(ctx)
		case <-s.trigger:
			s.tickSafely(ctx)
		}
	}
}

func (s *Service) tickSafely(ctx context.Context) {
	if err := common.RunSafely(s.logger, "scheduler-tick", func() error {
		s.Tick(ctx)
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Msg("Scheduler tick panicked")
	}
}

// Tick runs one iteration of the loop. Store errors are logged and retried on the next tick.
func (s *Service) Tick(ctx context.Context) {
	if _, err := s.jobs.ExpireLeases(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Lease sweep failed")
	}

	s.spawnSchedules(ctx)
	s.claimAndDispatch(ctx)
	s.pruneMetrics(ctx)
}

// spawnSchedules ensures every enabled schedule has one non-terminal instance
func (s *Service) spawnSchedules(ctx context.Context) {
	schedules, err := s.jobs.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list schedules")
		return
	}

	now := s.jobs.Now()
	for _, schedule := range schedules {
		expr, err := common.ParseSchedule(schedule.Expression)
		if err != nil {
			s.logger.Warn().Err(err).Str("schedule_key", schedule.Key).Msg("Skipping schedule with invalid expression")
			continue
		}

		slot, missed := nextSlot(expr, schedule.LastSpawnedAt, now)
		id, created, err := s.jobs.SpawnScheduled(ctx, schedule, slot)
		if err != nil {
			s.logger.Warn().Err(err).Str("schedule_key", schedule.Key).Msg("Failed to spawn scheduled job")
			continue
		}
		if !created {
			continue
		}
		if missed > 0 {
			s.logger.Warn().
				Str("schedule_key", schedule.Key).
				Int("skipped_slots", missed).
				Str("job_id", id).
				Msg("Missed schedule slots skipped")
		}
		s.logger.Debug().Str("schedule_key", schedule.Key).Str("job_id", id).Msg("Scheduled instance created")
	}
}

// maxMissedCount bounds the walk over missed slots of a fine-grained schedule
const maxMissedCount = 10000

// nextSlot returns the first slot of expr after both the last spawned slot and now,
// with the number of slots that fell in between. Missed slots are dropped, not run
// back to back.
func nextSlot(expr cron.Schedule, last *time.Time, now time.Time) (time.Time, int) {
	if last == nil {
		return expr.Next(now), 0
	}

	missed := 0
	next := expr.Next(*last)
	for !next.After(now) {
		if next.IsZero() || missed >= maxMissedCount {
			return expr.Next(now), missed
		}
		missed++
		next = expr.Next(next)
	}
	return next, missed
}

func (s *Service) claimAndDispatch(ctx context.Context) {
	config := s.jobs.Config()
	for _, jobType := range s.jobs.Registry().Types() {
		free := s.freeSlots(jobType, config.Concurrency(jobType))
		if free <= 0 {
			continue
		}

		claimed, err := s.jobs.Claim(ctx, jobType, free)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_type", string(jobType)).Msg("Claim failed")
			continue
		}
		for _, job := range claimed {
			s.dispatch(job)
		}
	}
}

func (s *Service) freeSlots(jobType models.JobType, typeLimit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return min(typeLimit-s.running[jobType], s.config.MaxConcurrency-s.total)
}

func (s *Service) dispatch(job *models.Job) {
	s.mu.Lock()
	s.running[job.Type]++
	s.total++
	s.mu.Unlock()

	common.SafeGoTracked(&s.inflight, s.logger, "job-"+job.ID, func() {
		defer func() {
			s.mu.Lock()
			s.running[job.Type]--
			s.total--
			s.mu.Unlock()
			s.Trigger()
		}()

		lease := s.jobs.KeepAlive(s.runCtx, job)
		defer lease.Stop()

		if err := s.runner.Run(s.runCtx, job, lease); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job run returned an error")
		}
	})
}

func (s *Service) pruneMetrics(ctx context.Context) {
	if s.pruner == nil || s.config.Retention <= 0 {
		return
	}

	now := s.jobs.Now()
	s.mu.Lock()
	due := s.lastPrune.IsZero() || now.Sub(s.lastPrune) >= s.config.PruneInterval
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.pruner.Prune(ctx, now.Add(-s.config.Retention)); err != nil {
		s.logger.Warn().Err(err).Msg("Metric prune failed")
	}
}

// SeedSchedules registers the [[schedules]] declared in config. Existing schedules keep
// their spawn history; a schedule that fails validation is logged and skipped.
func (s *Service) SeedSchedules(ctx context.Context, declared []common.ScheduleConfig) int {
	seeded := 0
	now := s.jobs.Now()
	for _, sc := range declared {
		data := json.RawMessage(sc.Data)
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}

		schedule := models.Schedule{
			Key:        sc.Key,
			JobType:    models.JobType(sc.Type),
			Data:       data,
			Priority:   models.ParsePriority(sc.Priority),
			Expression: sc.Expression,
			Enabled:    sc.Enabled,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if existing, err := s.jobs.GetSchedule(ctx, sc.Key); err == nil {
			schedule.CreatedAt = existing.CreatedAt
			schedule.LastSpawnedAt = existing.LastSpawnedAt
		}

		if err := s.jobs.SaveSchedule(ctx, schedule); err != nil {
			s.logger.Error().Err(err).Str("schedule_key", sc.Key).Msg("Failed to seed schedule")
			continue
		}
		seeded++
		s.logger.Info().
			Str("schedule_key", sc.Key).
			Str("job_type", sc.Type).
			Str("expression", sc.Expression).
			Bool("enabled", sc.Enabled).
			Msg("Schedule registered")
	}
	return seeded
}
