package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

// Config holds lease and concurrency settings for the job service
type Config struct {
	// Owner identifies this process in lock_owner
	Owner string

	// LockLifetime is the default lease duration before a job is reclaimable
	LockLifetime time.Duration

	// TypeLockLifetime overrides LockLifetime per job type
	TypeLockLifetime map[models.JobType]time.Duration

	// TypeConcurrency caps active leases per job type across all owners
	TypeConcurrency map[models.JobType]int

	// MaxAttempts is the number of claims before an abandoned job is failed
	MaxAttempts int
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		Owner:            "taskforge-" + uuid.New().String()[:8],
		LockLifetime:     10 * time.Minute,
		TypeLockLifetime: map[models.JobType]time.Duration{},
		TypeConcurrency:  map[models.JobType]int{},
		MaxAttempts:      3,
	}
}

// ConfigFromCommon maps the [scheduler] and [jobs.<type>] sections
func ConfigFromCommon(config *common.Config) Config {
	qc := NewDefaultConfig()
	if config.Scheduler.OwnerID != "" {
		qc.Owner = config.Scheduler.OwnerID
	}
	qc.LockLifetime = common.ParseDurationOr(config.Scheduler.LockLifetime, qc.LockLifetime)
	if config.Scheduler.MaxAttempts > 0 {
		qc.MaxAttempts = config.Scheduler.MaxAttempts
	}
	for _, jobType := range models.AllJobTypes() {
		qc.TypeConcurrency[jobType] = config.JobConcurrency(string(jobType))
		qc.TypeLockLifetime[jobType] = config.JobLockLifetime(string(jobType))
	}
	return qc
}

// Concurrency returns the cap for jobType (minimum 1)
func (c Config) Concurrency(jobType models.JobType) int {
	if n := c.TypeConcurrency[jobType]; n > 0 {
		return n
	}
	return 1
}

// Lifetime returns the lease lifetime for jobType
func (c Config) Lifetime(jobType models.JobType) time.Duration {
	if d := c.TypeLockLifetime[jobType]; d > 0 {
		return d
	}
	return c.LockLifetime
}
