// -----------------------------------------------------------------------
// Job Storage - durable job, metric and schedule persistence contracts
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/taskforge/internal/models"
)

// JobQuery filters job listings and cancellations. Zero values mean no constraint.
type JobQuery struct {
	ID          string
	Type        models.JobType
	Status      models.JobStatus
	UniqueKey   string
	ScheduleKey string
	Limit       int
	Offset      int
}

// IsEmpty reports whether the query carries no selector. Cancel refuses empty queries.
func (q JobQuery) IsEmpty() bool {
	return q.ID == "" && q.Type == "" && q.UniqueKey == "" && q.ScheduleKey == ""
}

// Matches reports whether job satisfies the query at now.
func (q JobQuery) Matches(job models.Job, now time.Time) bool {
	if q.ID != "" && job.ID != q.ID {
		return false
	}
	if q.Type != "" && job.Type != q.Type {
		return false
	}
	if q.UniqueKey != "" && job.UniqueKey != q.UniqueKey {
		return false
	}
	if q.ScheduleKey != "" && job.ScheduleKey != q.ScheduleKey {
		return false
	}
	if q.Status != "" && job.Status(now) != q.Status {
		return false
	}
	return true
}

// ClaimRequest asks the store to lease up to MaxBatch due jobs of one type.
type ClaimRequest struct {
	Type         models.JobType
	Owner        string
	MaxBatch     int
	Concurrency  int
	LockLifetime time.Duration
	Now          time.Time
}

// Outcome is the terminal disposition handed to ReleaseJob.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Release describes how a leased job finishes.
type Release struct {
	Outcome Outcome
	Result  json.RawMessage
	Reason  string
}

// CancelResult lists what a cancellation did.
type CancelResult struct {
	Removed   []models.Job
	Requested []models.Job
}

// ExpireResult lists jobs whose abandoned leases were swept. Cancelled holds
// jobs that were flagged for cancellation and removed once their lease lapsed.
type ExpireResult struct {
	Reset     []models.Job
	Failed    []models.Job
	Cancelled []models.Job
}

// JobStorage persists jobs and enforces the lease invariant.
//
// ClaimJobs must be atomic: no two callers may ever hold an unexpired lease on
// the same job, and the per-type leased count must never exceed Concurrency.
type JobStorage interface {
	// CreateJob inserts job. When job.UniqueKey matches a non-terminal job the
	// existing one is returned with created=false.
	CreateJob(ctx context.Context, job models.Job) (*models.Job, bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	QueryJobs(ctx context.Context, query JobQuery, now time.Time) ([]*models.Job, error)
	CountJobs(ctx context.Context, query JobQuery, now time.Time) (int, error)

	// ClaimJobs leases up to MaxBatch due jobs. Each claimed job carries a fresh
	// lease token in LockOwner; the lease operations below accept only that token.
	ClaimJobs(ctx context.Context, req ClaimRequest) ([]*models.Job, error)
	Heartbeat(ctx context.Context, id, token string, now time.Time) (*models.Job, error)
	UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) (*models.Job, error)
	ReleaseJob(ctx context.Context, id, token string, release Release, now time.Time) (*models.Job, error)

	CancelJobs(ctx context.Context, query JobQuery, now time.Time) (CancelResult, error)
	ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (ExpireResult, error)
	DeleteJob(ctx context.Context, id string) error

	Close() error
}

// MetricStorage persists JobMetric and CostAlert records.
type MetricStorage interface {
	SaveMetric(ctx context.Context, metric models.JobMetric) error
	GetMetric(ctx context.Context, jobID string) (*models.JobMetric, error)
	// UpdateMetric applies fn atomically to the stored metric.
	UpdateMetric(ctx context.Context, jobID string, fn func(models.JobMetric) models.JobMetric) (*models.JobMetric, error)
	ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.JobMetric, error)
	DeleteMetric(ctx context.Context, jobID string) error

	SaveCostAlert(ctx context.Context, alert models.CostAlert) error
	ListCostAlerts(ctx context.Context, jobID string) ([]models.CostAlert, error)
}

// ScheduleStorage persists recurring job definitions.
type ScheduleStorage interface {
	SaveSchedule(ctx context.Context, schedule models.Schedule) error
	GetSchedule(ctx context.Context, key string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error)
	DeleteSchedule(ctx context.Context, key string) error
}

// StorageManager bundles the stores behind one backend.
type StorageManager interface {
	JobStorage() JobStorage
	MetricStorage() MetricStorage
	ScheduleStorage() ScheduleStorage
	Close() error
}
