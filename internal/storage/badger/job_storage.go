package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger.
//
// Every read-modify-write runs inside a single read-write transaction so the
// lease check and the lease write commit together. Badger detects overlapping
// writers with ErrConflict; the in-process mutex keeps local workers from
// tripping over each other in the first place.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) update(fn func(txn *badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Store().Badger().Update(fn)
}

func (s *JobStorage) txGet(txn *badger.Txn, id string) (models.Job, error) {
	var job models.Job
	if err := s.db.Store().TxGet(txn, id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return job, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return job, err
	}
	return job, nil
}

// CreateJob inserts job, returning an existing non-terminal job with the same unique key instead.
func (s *JobStorage) CreateJob(ctx context.Context, job models.Job) (*models.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("job ID is required")
	}

	var result models.Job
	created := false

	err := s.update(func(txn *badger.Txn) error {
		if job.UniqueKey != "" {
			var matches []models.Job
			if err := s.db.Store().TxFind(txn, &matches, badgerhold.Where("UniqueKey").Eq(job.UniqueKey)); err != nil {
				return err
			}
			for _, existing := range matches {
				if !existing.IsTerminal() {
					result = existing
					return nil
				}
			}
		}

		if err := s.db.Store().TxInsert(txn, job.ID, job); err != nil {
			return err
		}
		result = job
		created = true
		return nil
	})
	if err != nil {
		return nil, false, storeErr("create job", err)
	}

	return &result, created, nil
}

// GetJob returns a job by ID
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return nil, storeErr("get job", err)
	}
	return &job, nil
}

func (s *JobStorage) findMatching(query interfaces.JobQuery, now time.Time) ([]models.Job, error) {
	var bq *badgerhold.Query
	if query.ID != "" {
		bq = badgerhold.Where("ID").Eq(query.ID)
	} else if query.Type != "" {
		bq = badgerhold.Where("Type").Eq(query.Type)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, bq); err != nil {
		return nil, err
	}

	matched := jobs[:0]
	for _, job := range jobs {
		if query.Matches(job, now) {
			matched = append(matched, job)
		}
	}
	return matched, nil
}

// QueryJobs lists jobs newest first. Status is derived at now, so filtering happens after the scan.
func (s *JobStorage) QueryJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) ([]*models.Job, error) {
	jobs, err := s.findMatching(query, now)
	if err != nil {
		return nil, storeErr("query jobs", err)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if query.Offset > 0 {
		if query.Offset >= len(jobs) {
			jobs = nil
		} else {
			jobs = jobs[query.Offset:]
		}
	}
	if query.Limit > 0 && len(jobs) > query.Limit {
		jobs = jobs[:query.Limit]
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// CountJobs counts jobs matching query at now
func (s *JobStorage) CountJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) (int, error) {
	jobs, err := s.findMatching(query, now)
	if err != nil {
		return 0, storeErr("count jobs", err)
	}
	return len(jobs), nil
}

// ClaimJobs leases up to req.MaxBatch due jobs of req.Type without exceeding req.Concurrency
// active leases for that type. A concurrent writer surfaces as badger.ErrConflict, which is
// reported as an empty claim rather than an error.
func (s *JobStorage) ClaimJobs(ctx context.Context, req interfaces.ClaimRequest) ([]*models.Job, error) {
	if req.MaxBatch <= 0 {
		return nil, nil
	}
	now := req.Now

	var claimed []models.Job
	err := s.update(func(txn *badger.Txn) error {
		claimed = nil

		var jobs []models.Job
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("Type").Eq(req.Type)); err != nil {
			return err
		}

		leased := 0
		var candidates []models.Job
		for _, job := range jobs {
			switch {
			case job.IsTerminal():
			case job.HasActiveLease(now):
				leased++
			case job.IsClaimable(now):
				candidates = append(candidates, job)
			}
		}

		free := req.MaxBatch
		if req.Concurrency > 0 && req.Concurrency-leased < free {
			free = req.Concurrency - leased
		}
		if free <= 0 || len(candidates) == 0 {
			return nil
		}

		sortForClaim(candidates)
		if len(candidates) > free {
			candidates = candidates[:free]
		}

		for _, job := range candidates {
			leasedJob := job.WithLease(req.Owner, req.LockLifetime, now)
			if err := s.db.Store().TxUpdate(txn, leasedJob.ID, leasedJob); err != nil {
				return err
			}
			claimed = append(claimed, leasedJob)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug().Str("job_type", string(req.Type)).Msg("Claim lost to a concurrent writer")
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim jobs", err)
	}

	result := make([]*models.Job, len(claimed))
	for i := range claimed {
		result[i] = &claimed[i]
	}
	return result, nil
}

// sortForClaim orders by priority (high first) then creation time (oldest first)
func sortForClaim(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		ri, rj := jobs[i].Priority.Rank(), jobs[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// mutateOwned applies fn to a job only while the claim identified by token holds its unexpired lease
func (s *JobStorage) mutateOwned(id, token string, now time.Time, fn func(models.Job) models.Job) (*models.Job, error) {
	var updated models.Job
	err := s.update(func(txn *badger.Txn) error {
		job, err := s.txGet(txn, id)
		if err != nil {
			return err
		}
		if !job.IsOwnedBy(token, now) {
			return fmt.Errorf("%w: job %s token %s", models.ErrLeaseLost, id, token)
		}
		updated = fn(job)
		return s.db.Store().TxUpdate(txn, id, updated)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("%w: job %s", models.ErrLeaseConflict, id)
	}
	if err != nil {
		return nil, storeErr("update job", err)
	}
	return &updated, nil
}

// Heartbeat renews the lease without touching progress
func (s *JobStorage) Heartbeat(ctx context.Context, id, token string, now time.Time) (*models.Job, error) {
	return s.mutateOwned(id, token, now, func(job models.Job) models.Job {
		return job.WithHeartbeat(now)
	})
}

// UpdateProgress raises progress; lower values are ignored
func (s *JobStorage) UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) (*models.Job, error) {
	return s.mutateOwned(id, token, now, func(job models.Job) models.Job {
		return job.WithProgress(progress)
	})
}

// ReleaseJob clears the lease and records the terminal outcome. Cancelled jobs are removed.
func (s *JobStorage) ReleaseJob(ctx context.Context, id, token string, release interfaces.Release, now time.Time) (*models.Job, error) {
	var released models.Job
	err := s.update(func(txn *badger.Txn) error {
		job, err := s.txGet(txn, id)
		if err != nil {
			return err
		}
		if !job.IsOwnedBy(token, now) {
			return fmt.Errorf("%w: job %s token %s", models.ErrLeaseLost, id, token)
		}

		switch release.Outcome {
		case interfaces.OutcomeCompleted:
			released = job.WithCompleted(release.Result, now)
		case interfaces.OutcomeFailed:
			released = job.WithFailed(release.Reason, now)
		case interfaces.OutcomeCancelled:
			released = job.WithLeaseCleared()
			return s.db.Store().TxDelete(txn, id, models.Job{})
		default:
			return fmt.Errorf("unknown release outcome %q", release.Outcome)
		}
		return s.db.Store().TxUpdate(txn, id, released)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("%w: job %s", models.ErrLeaseConflict, id)
	}
	if err != nil {
		return nil, storeErr("release job", err)
	}
	return &released, nil
}

// CancelJobs removes matching idle jobs and flags leased ones for cooperative cancellation
func (s *JobStorage) CancelJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) (interfaces.CancelResult, error) {
	var result interfaces.CancelResult
	if query.IsEmpty() {
		return result, fmt.Errorf("cancel requires an id, type, unique key or schedule key")
	}

	err := s.update(func(txn *badger.Txn) error {
		result = interfaces.CancelResult{}

		var jobs []models.Job
		if err := s.db.Store().TxFind(txn, &jobs, nil); err != nil {
			return err
		}

		for _, job := range jobs {
			if job.IsTerminal() || !query.Matches(job, now) {
				continue
			}
			if job.HasActiveLease(now) {
				flagged := job.WithCancelRequested()
				if err := s.db.Store().TxUpdate(txn, job.ID, flagged); err != nil {
					return err
				}
				result.Requested = append(result.Requested, flagged)
				continue
			}
			if err := s.db.Store().TxDelete(txn, job.ID, models.Job{}); err != nil {
				return err
			}
			result.Removed = append(result.Removed, job)
		}
		return nil
	})
	if err != nil {
		return interfaces.CancelResult{}, storeErr("cancel jobs", err)
	}
	return result, nil
}

// ExpireLeases makes abandoned jobs reclaimable, or fails them once maxAttempts claims were spent
func (s *JobStorage) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (interfaces.ExpireResult, error) {
	var result interfaces.ExpireResult

	err := s.update(func(txn *badger.Txn) error {
		result = interfaces.ExpireResult{}

		var jobs []models.Job
		if err := s.db.Store().TxFind(txn, &jobs, nil); err != nil {
			return err
		}

		for _, job := range jobs {
			if job.IsTerminal() || !job.HasExpiredLease(now) {
				continue
			}

			var next models.Job
			if job.CancelRequested {
				// Nobody is left to observe the flag, so finish the cancellation here.
				if err := s.db.Store().TxDelete(txn, job.ID, models.Job{}); err != nil {
					return err
				}
				result.Cancelled = append(result.Cancelled, job)
				continue
			}
			if maxAttempts > 0 && job.Attempts >= maxAttempts {
				next = job.WithFailed("lease expired", now)
				result.Failed = append(result.Failed, next)
			} else {
				next = job.WithLeaseCleared()
				result.Reset = append(result.Reset, next)
			}
			if err := s.db.Store().TxUpdate(txn, job.ID, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return interfaces.ExpireResult{}, storeErr("expire leases", err)
	}
	return result, nil
}

// DeleteJob removes a job record regardless of state
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(id, models.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return storeErr("delete job", err)
	}
	return nil
}

// Close is a no-op; the manager owns the connection
func (s *JobStorage) Close() error {
	return nil
}
