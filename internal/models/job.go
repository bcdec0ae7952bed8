// -----------------------------------------------------------------------
// Job - Durable job record with derived status and immutable transitions
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// JobType is the closed set of job kinds the engine can execute.
type JobType string

const (
	JobTypeDeepResearch       JobType = "deep-research"
	JobTypeDocumentSummary    JobType = "document-summary"
	JobTypeRepositoryAnalysis JobType = "repository-analysis"
)

// AllJobTypes returns every known job type in a stable order.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeDeepResearch,
		JobTypeDocumentSummary,
		JobTypeRepositoryAnalysis,
	}
}

// IsValid reports whether t is a member of the closed job type enum.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeDeepResearch, JobTypeDocumentSummary, JobTypeRepositoryAnalysis:
		return true
	}
	return false
}

// Priority orders claims within a job type.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns a sortable weight, higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority maps free text to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityHigh:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// JobStatus is derived from a job's timestamps and is never stored.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is the unit of schedulable, leasable work.
//
// Status is intentionally absent: callers use Status(now) which applies DeriveStatus
// to the timestamps, so the stored record can never drift from its lifecycle.
type Job struct {
	ID       string          `json:"id" badgerhold:"key"`
	Type     JobType         `json:"type" badgerhold:"index"`
	Data     json.RawMessage `json:"data"`
	Priority Priority        `json:"priority"`
	Progress int             `json:"progress"`

	LockedAt     *time.Time    `json:"locked_at,omitempty"`
	LockOwner    string        `json:"lock_owner,omitempty"`
	LockLifetime time.Duration `json:"lock_lifetime"`

	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	FailReason     string     `json:"fail_reason,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	UniqueKey       string `json:"unique_key,omitempty"`
	ScheduleKey     string `json:"schedule_key,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Attempts        int    `json:"attempts"`
}

// NewJob creates a pending job. runAt may be nil for immediate execution.
func NewJob(jobType JobType, data json.RawMessage, priority Priority, runAt *time.Time, lockLifetime time.Duration, now time.Time) Job {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Data:         data,
		Priority:     priority,
		LockLifetime: lockLifetime,
		NextRunAt:    copyTime(runAt),
		CreatedAt:    now,
	}
}

// DeriveStatus is the pure status mapping over a job's lifecycle timestamps.
// Exactly one status applies for any combination of inputs.
func DeriveStatus(lockedAt *time.Time, lockLifetime time.Duration, nextRunAt, lastFinishedAt, failedAt *time.Time, now time.Time) JobStatus {
	switch {
	case failedAt != nil:
		return JobStatusFailed
	case lastFinishedAt != nil:
		return JobStatusCompleted
	case lockedAt != nil && now.Before(lockedAt.Add(lockLifetime)):
		return JobStatusRunning
	case nextRunAt != nil:
		return JobStatusScheduled
	default:
		return JobStatusPending
	}
}

// Status derives the job status at the given instant.
func (j Job) Status(now time.Time) JobStatus {
	return DeriveStatus(j.LockedAt, j.LockLifetime, j.NextRunAt, j.LastFinishedAt, j.FailedAt, now)
}

// IsTerminal reports whether the job reached completed or failed.
func (j Job) IsTerminal() bool {
	return j.FailedAt != nil || j.LastFinishedAt != nil
}

// LeaseExpiresAt returns the lease expiry, or the zero time if unlocked.
func (j Job) LeaseExpiresAt() time.Time {
	if j.LockedAt == nil {
		return time.Time{}
	}
	return j.LockedAt.Add(j.LockLifetime)
}

// HasActiveLease reports whether some worker holds an unexpired lease at now.
func (j Job) HasActiveLease(now time.Time) bool {
	return j.LockedAt != nil && now.Before(j.LeaseExpiresAt())
}

// HasExpiredLease reports a lease that was taken but not released in time.
func (j Job) HasExpiredLease(now time.Time) bool {
	return j.LockedAt != nil && !now.Before(j.LeaseExpiresAt())
}

// IsDue reports whether the job may be claimed at now, ignoring leases.
func (j Job) IsDue(now time.Time) bool {
	if j.IsTerminal() || j.CancelRequested {
		return false
	}
	return j.NextRunAt == nil || !j.NextRunAt.After(now)
}

// IsClaimable reports whether a worker may acquire the lease at now.
func (j Job) IsClaimable(now time.Time) bool {
	return j.IsDue(now) && !j.HasActiveLease(now)
}

// LeaseToken identifies one claim of a job by owner. Attempts grows with every
// claim, so a re-claim by the same owner never reuses an earlier token.
func LeaseToken(owner string, attempt int) string {
	return owner + "#" + strconv.Itoa(attempt)
}

// IsOwnedBy reports whether the claim identified by token holds an unexpired lease at now.
func (j Job) IsOwnedBy(token string, now time.Time) bool {
	return j.HasActiveLease(now) && j.LockOwner == token
}

// WithLease returns the job leased to owner starting at now. LockOwner carries the
// per-claim token, not the bare owner.
func (j Job) WithLease(owner string, lifetime time.Duration, now time.Time) Job {
	j.Attempts++
	j.LockedAt = &now
	j.LockOwner = LeaseToken(owner, j.Attempts)
	if lifetime > 0 {
		j.LockLifetime = lifetime
	}
	j.LastRunAt = &now
	return j
}

// WithHeartbeat returns the job with its lease renewed at now.
func (j Job) WithHeartbeat(now time.Time) Job {
	j.LockedAt = &now
	return j
}

// WithProgress returns the job with progress raised to p. Progress never decreases.
func (j Job) WithProgress(p int) Job {
	if p > 100 {
		p = 100
	}
	if p > j.Progress {
		j.Progress = p
	}
	return j
}

// WithLeaseCleared returns the job made reclaimable after an abandoned lease.
// Progress restarts because there is no checkpoint below the step granularity.
func (j Job) WithLeaseCleared() Job {
	j.LockedAt = nil
	j.LockOwner = ""
	j.Progress = 0
	return j
}

// WithCompleted returns the job released with a successful result.
func (j Job) WithCompleted(result json.RawMessage, now time.Time) Job {
	j.LockedAt = nil
	j.LockOwner = ""
	j.LastFinishedAt = &now
	j.Result = result
	j.Progress = 100
	return j
}

// WithFailed returns the job released with a failure reason.
func (j Job) WithFailed(reason string, now time.Time) Job {
	j.LockedAt = nil
	j.LockOwner = ""
	j.FailedAt = &now
	j.LastFinishedAt = &now
	j.FailReason = reason
	return j
}

// WithCancelRequested returns the job flagged for cooperative cancellation.
func (j Job) WithCancelRequested() Job {
	j.CancelRequested = true
	return j
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
