package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

const jobColumns = `id, type, data, priority, progress, locked_at, lock_owner, lock_lifetime_ns,
	next_run_at, last_run_at, last_finished_at, failed_at, fail_reason, result, created_at,
	unique_key, schedule_key, cancel_requested, attempts`

// leaseActive is true while locked_at + lock_lifetime is in the future relative to $now.
const leaseActive = `locked_at IS NOT NULL AND locked_at + make_interval(secs => lock_lifetime_ns / 1e9) > @now`

// JobStorage implements the JobStorage interface for Postgres.
// Read-modify-write paths lock the row (FOR UPDATE) and apply the same
// models.Job transitions as the Badger store.
type JobStorage struct {
	db     *DB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *DB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job        models.Job
		jobType    string
		priority   string
		data       []byte
		result     []byte
		lifetimeNs int64
	)
	err := row.Scan(
		&job.ID, &jobType, &data, &priority, &job.Progress,
		&job.LockedAt, &job.LockOwner, &lifetimeNs,
		&job.NextRunAt, &job.LastRunAt, &job.LastFinishedAt, &job.FailedAt, &job.FailReason,
		&result, &job.CreatedAt, &job.UniqueKey, &job.ScheduleKey, &job.CancelRequested, &job.Attempts,
	)
	if err != nil {
		return job, err
	}
	job.Type = models.JobType(jobType)
	job.Priority = models.Priority(priority)
	job.Data = data
	job.Result = nullableJSON(result)
	job.LockLifetime = time.Duration(lifetimeNs)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func jobArgs(job models.Job) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":               job.ID,
		"type":             string(job.Type),
		"data":             []byte(job.Data),
		"priority":         string(job.Priority),
		"priority_rank":    job.Priority.Rank(),
		"progress":         job.Progress,
		"locked_at":        job.LockedAt,
		"lock_owner":       job.LockOwner,
		"lock_lifetime_ns": int64(job.LockLifetime),
		"next_run_at":      job.NextRunAt,
		"last_run_at":      job.LastRunAt,
		"last_finished_at": job.LastFinishedAt,
		"failed_at":        job.FailedAt,
		"fail_reason":      job.FailReason,
		"result":           nullableJSON(job.Result),
		"created_at":       job.CreatedAt,
		"unique_key":       job.UniqueKey,
		"schedule_key":     job.ScheduleKey,
		"cancel_requested": job.CancelRequested,
		"attempts":         job.Attempts,
	}
}

const insertJob = `
INSERT INTO jobs (id, type, data, priority, priority_rank, progress, locked_at, lock_owner, lock_lifetime_ns,
	next_run_at, last_run_at, last_finished_at, failed_at, fail_reason, result, created_at,
	unique_key, schedule_key, cancel_requested, attempts)
VALUES (@id, @type, @data, @priority, @priority_rank, @progress, @locked_at, @lock_owner, @lock_lifetime_ns,
	@next_run_at, @last_run_at, @last_finished_at, @failed_at, @fail_reason, @result, @created_at,
	@unique_key, @schedule_key, @cancel_requested, @attempts)`

const updateJob = `
UPDATE jobs SET progress = @progress, locked_at = @locked_at, lock_owner = @lock_owner,
	lock_lifetime_ns = @lock_lifetime_ns, next_run_at = @next_run_at, last_run_at = @last_run_at,
	last_finished_at = @last_finished_at, failed_at = @failed_at, fail_reason = @fail_reason,
	result = @result, cancel_requested = @cancel_requested, attempts = @attempts
WHERE id = @id`

func (s *JobStorage) CreateJob(ctx context.Context, job models.Job) (*models.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("job ID is required")
	}

	_, err := s.db.pool.Exec(ctx, insertJob, jobArgs(job))
	if err == nil {
		return &job, true, nil
	}

	// The partial unique index rejects a second active job with the same key.
	var pgErr *pgconn.PgError
	if job.UniqueKey != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
		row := s.db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE unique_key = $1 AND failed_at IS NULL AND last_finished_at IS NULL LIMIT 1`, job.UniqueKey)
		existing, scanErr := scanJob(row)
		if scanErr != nil {
			return nil, false, storeErr("load existing unique job", scanErr)
		}
		return &existing, false, nil
	}
	return nil, false, storeErr("create job", err)
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return nil, storeErr("get job", err)
	}
	return &job, nil
}

// statusClause renders the derived status as SQL so filtering and paging happen in the database.
func statusClause(status models.JobStatus) string {
	switch status {
	case models.JobStatusFailed:
		return `failed_at IS NOT NULL`
	case models.JobStatusCompleted:
		return `failed_at IS NULL AND last_finished_at IS NOT NULL`
	case models.JobStatusRunning:
		return `failed_at IS NULL AND last_finished_at IS NULL AND ` + leaseActive
	case models.JobStatusScheduled:
		return `failed_at IS NULL AND last_finished_at IS NULL AND NOT (` + leaseActive + `) AND next_run_at IS NOT NULL`
	case models.JobStatusPending:
		return `failed_at IS NULL AND last_finished_at IS NULL AND NOT (` + leaseActive + `) AND next_run_at IS NULL`
	default:
		return `FALSE`
	}
}

func whereClause(query interfaces.JobQuery, now time.Time) (string, pgx.NamedArgs) {
	clauses := []string{"TRUE"}
	args := pgx.NamedArgs{"now": now}
	if query.ID != "" {
		clauses = append(clauses, "id = @id")
		args["id"] = query.ID
	}
	if query.Type != "" {
		clauses = append(clauses, "type = @type")
		args["type"] = string(query.Type)
	}
	if query.UniqueKey != "" {
		clauses = append(clauses, "unique_key = @unique_key")
		args["unique_key"] = query.UniqueKey
	}
	if query.ScheduleKey != "" {
		clauses = append(clauses, "schedule_key = @schedule_key")
		args["schedule_key"] = query.ScheduleKey
	}
	if query.Status != "" {
		clauses = append(clauses, "("+statusClause(query.Status)+")")
	}
	return strings.Join(clauses, " AND "), args
}

func (s *JobStorage) QueryJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) ([]*models.Job, error) {
	where, args := whereClause(query, now)
	sql := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where + ` ORDER BY created_at DESC`
	if query.Limit > 0 {
		sql += ` LIMIT @limit`
		args["limit"] = query.Limit
	}
	if query.Offset > 0 {
		sql += ` OFFSET @offset`
		args["offset"] = query.Offset
	}

	rows, err := s.db.pool.Query(ctx, sql, args)
	if err != nil {
		return nil, storeErr("query jobs", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storeErr("query jobs", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) (int, error) {
	where, args := whereClause(query, now)
	var count int
	if err := s.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args).Scan(&count); err != nil {
		return 0, storeErr("count jobs", err)
	}
	return count, nil
}

// ClaimJobs serializes claimers of one type with a transaction-scoped advisory lock, so the
// leased count read and the lease writes commit together. SKIP LOCKED keeps rows held by
// other writers (heartbeats, releases) from blocking the claim.
func (s *JobStorage) ClaimJobs(ctx context.Context, req interfaces.ClaimRequest) ([]*models.Job, error) {
	if req.MaxBatch <= 0 {
		return nil, nil
	}

	var claimed []models.Job
	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(req.Type)); err != nil {
			return err
		}

		args := pgx.NamedArgs{"now": req.Now, "type": string(req.Type)}

		limit := req.MaxBatch
		if req.Concurrency > 0 {
			var leased int
			err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE type = @type
				AND failed_at IS NULL AND last_finished_at IS NULL AND `+leaseActive, args).Scan(&leased)
			if err != nil {
				return err
			}
			if free := req.Concurrency - leased; free < limit {
				limit = free
			}
		}
		if limit <= 0 {
			return nil
		}
		args["limit"] = limit

		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE type = @type AND failed_at IS NULL AND last_finished_at IS NULL
				AND NOT cancel_requested
				AND (next_run_at IS NULL OR next_run_at <= @now)
				AND NOT (`+leaseActive+`)
			ORDER BY priority_rank DESC, created_at ASC
			LIMIT @limit
			FOR UPDATE SKIP LOCKED`, args)
		if err != nil {
			return err
		}
		candidates, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range candidates {
			leasedJob := job.WithLease(req.Owner, req.LockLifetime, req.Now)
			if _, err := tx.Exec(ctx, updateJob, jobArgs(leasedJob)); err != nil {
				return err
			}
			claimed = append(claimed, leasedJob)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("claim jobs", err)
	}

	result := make([]*models.Job, len(claimed))
	for i := range claimed {
		result[i] = &claimed[i]
	}
	return result, nil
}

// withLockedJob loads a row FOR UPDATE, applies fn and writes the result back in one transaction.
// fn returning deleted=true removes the row instead.
func (s *JobStorage) withLockedJob(ctx context.Context, id string, fn func(job models.Job) (next models.Job, deleted bool, err error)) (*models.Job, error) {
	var result models.Job
	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
			}
			return err
		}

		next, deleted, err := fn(job)
		if err != nil {
			return err
		}
		result = next
		if deleted {
			_, err = tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
			return err
		}
		_, err = tx.Exec(ctx, updateJob, jobArgs(next))
		return err
	})
	if err != nil {
		return nil, storeErr("update job", err)
	}
	return &result, nil
}

func ownedBy(job models.Job, token string, now time.Time) error {
	if !job.IsOwnedBy(token, now) {
		return fmt.Errorf("%w: job %s token %s", models.ErrLeaseLost, job.ID, token)
	}
	return nil
}

func (s *JobStorage) Heartbeat(ctx context.Context, id, token string, now time.Time) (*models.Job, error) {
	return s.withLockedJob(ctx, id, func(job models.Job) (models.Job, bool, error) {
		if err := ownedBy(job, token, now); err != nil {
			return job, false, err
		}
		return job.WithHeartbeat(now), false, nil
	})
}

func (s *JobStorage) UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) (*models.Job, error) {
	return s.withLockedJob(ctx, id, func(job models.Job) (models.Job, bool, error) {
		if err := ownedBy(job, token, now); err != nil {
			return job, false, err
		}
		return job.WithProgress(progress), false, nil
	})
}

func (s *JobStorage) ReleaseJob(ctx context.Context, id, token string, release interfaces.Release, now time.Time) (*models.Job, error) {
	return s.withLockedJob(ctx, id, func(job models.Job) (models.Job, bool, error) {
		if err := ownedBy(job, token, now); err != nil {
			return job, false, err
		}
		switch release.Outcome {
		case interfaces.OutcomeCompleted:
			return job.WithCompleted(release.Result, now), false, nil
		case interfaces.OutcomeFailed:
			return job.WithFailed(release.Reason, now), false, nil
		case interfaces.OutcomeCancelled:
			return job.WithLeaseCleared(), true, nil
		default:
			return job, false, fmt.Errorf("unknown release outcome %q", release.Outcome)
		}
	})
}

func (s *JobStorage) CancelJobs(ctx context.Context, query interfaces.JobQuery, now time.Time) (interfaces.CancelResult, error) {
	var result interfaces.CancelResult
	if query.IsEmpty() {
		return result, fmt.Errorf("cancel requires an id, type, unique key or schedule key")
	}

	where, args := whereClause(query, now)
	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where+`
			AND failed_at IS NULL AND last_finished_at IS NULL FOR UPDATE`, args)
		if err != nil {
			return err
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.HasActiveLease(now) {
				flagged := job.WithCancelRequested()
				if _, err := tx.Exec(ctx, updateJob, jobArgs(flagged)); err != nil {
					return err
				}
				result.Requested = append(result.Requested, flagged)
				continue
			}
			if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
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

func (s *JobStorage) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (interfaces.ExpireResult, error) {
	var result interfaces.ExpireResult

	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE failed_at IS NULL AND last_finished_at IS NULL
				AND locked_at IS NOT NULL AND NOT (`+leaseActive+`)
			FOR UPDATE SKIP LOCKED`, pgx.NamedArgs{"now": now})
		if err != nil {
			return err
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.CancelRequested {
				if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
					return err
				}
				result.Cancelled = append(result.Cancelled, job)
				continue
			}

			var next models.Job
			if maxAttempts > 0 && job.Attempts >= maxAttempts {
				next = job.WithFailed("lease expired", now)
				result.Failed = append(result.Failed, next)
			} else {
				next = job.WithLeaseCleared()
				result.Reset = append(result.Reset, next)
			}
			if _, err := tx.Exec(ctx, updateJob, jobArgs(next)); err != nil {
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

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return nil
}

func (s *JobStorage) Close() error {
	return nil
}
