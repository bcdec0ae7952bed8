package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func newJob(jobType models.JobType, priority models.Priority, createdAt time.Time) models.Job {
	return models.NewJob(jobType, json.RawMessage(`{"query":"q"}`), priority, nil, time.Minute, createdAt)
}

func TestCreateJob_UniqueKeyReturnsExisting(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	first := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	first.UniqueKey = "weekly"
	saved, created, err := store.CreateJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	second.UniqueKey = "weekly"
	existing, created, err := store.CreateJob(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, saved.ID, existing.ID)

	count, err := store.CountJobs(ctx, interfaces.JobQuery{UniqueKey: "weekly"}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClaimJobs_OrdersByPriorityThenAge(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	oldLow := newJob(models.JobTypeDocumentSummary, models.PriorityLow, now.Add(-3*time.Minute))
	oldNormal := newJob(models.JobTypeDocumentSummary, models.PriorityNormal, now.Add(-2*time.Minute))
	newHigh := newJob(models.JobTypeDocumentSummary, models.PriorityHigh, now.Add(-time.Minute))
	for _, j := range []models.Job{oldLow, oldNormal, newHigh} {
		_, _, err := store.CreateJob(ctx, j)
		require.NoError(t, err)
	}

	claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{
		Type: models.JobTypeDocumentSummary, Owner: "w1", MaxBatch: 2, Concurrency: 5,
		LockLifetime: time.Minute, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, newHigh.ID, claimed[0].ID)
	assert.Equal(t, oldNormal.ID, claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, models.JobStatusRunning, claimed[0].Status(now))
}

func TestClaimJobs_RespectsConcurrencyAndDueTime(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		_, _, err := store.CreateJob(ctx, newJob(models.JobTypeDeepResearch, models.PriorityNormal, now))
		require.NoError(t, err)
	}
	future := now.Add(time.Hour)
	scheduled := models.NewJob(models.JobTypeDeepResearch, nil, models.PriorityHigh, &future, time.Minute, now)
	_, _, err := store.CreateJob(ctx, scheduled)
	require.NoError(t, err)

	req := interfaces.ClaimRequest{
		Type: models.JobTypeDeepResearch, Owner: "w1", MaxBatch: 10, Concurrency: 2,
		LockLifetime: time.Minute, Now: now,
	}
	claimed, err := store.ClaimJobs(ctx, req)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	for _, j := range claimed {
		assert.NotEqual(t, scheduled.ID, j.ID, "future job must not be claimed")
	}

	claimed, err = store.ClaimJobs(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, claimed, "type is at its concurrency limit")

	// Other types are unaffected by the cap.
	_, _, err = store.CreateJob(ctx, newJob(models.JobTypeRepositoryAnalysis, models.PriorityNormal, now))
	require.NoError(t, err)
	other, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{
		Type: models.JobTypeRepositoryAnalysis, Owner: "w1", MaxBatch: 1, Concurrency: 1,
		LockLifetime: time.Minute, Now: now,
	})
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestClaimJobs_RaceHasExactlyOneWinner(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	job := newJob(models.JobTypeDocumentSummary, models.PriorityNormal, now)
	_, _, err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{
				Type: models.JobTypeDocumentSummary, Owner: owner, MaxBatch: 1, Concurrency: 10,
				LockLifetime: time.Minute, Now: now,
			})
			if err == nil && len(claimed) == 1 {
				results <- owner
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()
	close(results)

	var winners []string
	for owner := range results {
		winners = append(winners, owner)
	}
	require.Len(t, winners, 1)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseToken(winners[0], 1), stored.LockOwner)
	assert.Equal(t, 1, stored.Attempts)
}

func TestLeaseOperations(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	job := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	_, _, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{
		Type: models.JobTypeDeepResearch, Owner: "w1", MaxBatch: 1, Concurrency: 1,
		LockLifetime: time.Minute, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	token := claimed[0].LockOwner
	require.Equal(t, models.LeaseToken("w1", 1), token)

	t.Run("progress is monotonic", func(t *testing.T) {
		updated, err := store.UpdateProgress(ctx, job.ID, token, 40, now)
		require.NoError(t, err)
		assert.Equal(t, 40, updated.Progress)
		updated, err = store.UpdateProgress(ctx, job.ID, token, 25, now)
		require.NoError(t, err)
		assert.Equal(t, 40, updated.Progress)
	})

	t.Run("foreign owner loses", func(t *testing.T) {
		_, err := store.Heartbeat(ctx, job.ID, "w2", now)
		assert.True(t, errors.Is(err, models.ErrLeaseLost))
		_, err = store.UpdateProgress(ctx, job.ID, "w2", 90, now)
		assert.True(t, errors.Is(err, models.ErrLeaseLost))
		_, err = store.Heartbeat(ctx, job.ID, "w1", now)
		assert.True(t, errors.Is(err, models.ErrLeaseLost), "the bare owner is not the claim token")
	})

	t.Run("heartbeat extends lease", func(t *testing.T) {
		later := now.Add(50 * time.Second)
		renewed, err := store.Heartbeat(ctx, job.ID, token, later)
		require.NoError(t, err)
		assert.Equal(t, 40, renewed.Progress)
		assert.True(t, renewed.HasActiveLease(later.Add(55*time.Second)))
	})

	t.Run("expired lease cannot be renewed", func(t *testing.T) {
		_, err := store.Heartbeat(ctx, job.ID, token, now.Add(10*time.Minute))
		assert.True(t, errors.Is(err, models.ErrLeaseLost))
	})

	t.Run("release completed", func(t *testing.T) {
		at := now.Add(55 * time.Second)
		released, err := store.ReleaseJob(ctx, job.ID, token, interfaces.Release{
			Outcome: interfaces.OutcomeCompleted, Result: json.RawMessage(`{"ok":true}`),
		}, at)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, released.Status(at))
		assert.Equal(t, 100, released.Progress)
		assert.Empty(t, released.LockOwner)
	})
}

func TestReleaseJob_Failed(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	job := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	_, _, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{Type: job.Type, Owner: "w1", MaxBatch: 1, LockLifetime: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := store.ReleaseJob(ctx, job.ID, claimed[0].LockOwner, interfaces.Release{Outcome: interfaces.OutcomeFailed, Reason: "auth (claude 401)"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, released.Status(now))
	assert.Equal(t, "auth (claude 401)", released.FailReason)

	failed, err := store.QueryJobs(ctx, interfaces.JobQuery{Status: models.JobStatusFailed}, now)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
}

func TestCancelJobs(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	idle := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	busy := newJob(models.JobTypeDeepResearch, models.PriorityHigh, now)
	for _, j := range []models.Job{idle, busy} {
		_, _, err := store.CreateJob(ctx, j)
		require.NoError(t, err)
	}
	claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{Type: models.JobTypeDeepResearch, Owner: "w1", MaxBatch: 1, LockLifetime: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, busy.ID, claimed[0].ID)

	_, err = store.CancelJobs(ctx, interfaces.JobQuery{}, now)
	assert.Error(t, err, "empty query must be rejected")

	result, err := store.CancelJobs(ctx, interfaces.JobQuery{Type: models.JobTypeDeepResearch}, now)
	require.NoError(t, err)
	require.Len(t, result.Removed, 1)
	require.Len(t, result.Requested, 1)
	assert.Equal(t, idle.ID, result.Removed[0].ID)
	assert.Equal(t, busy.ID, result.Requested[0].ID)

	_, err = store.GetJob(ctx, idle.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound))

	flagged, err := store.GetJob(ctx, busy.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, models.JobStatusRunning, flagged.Status(now), "in-flight job keeps its lease")

	// Once released as cancelled the record is gone.
	_, err = store.ReleaseJob(ctx, busy.ID, claimed[0].LockOwner, interfaces.Release{Outcome: interfaces.OutcomeCancelled}, now)
	require.NoError(t, err)
	_, err = store.GetJob(ctx, busy.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound))
}

func TestExpireLeases(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	retry := newJob(models.JobTypeDocumentSummary, models.PriorityHigh, now)
	exhausted := newJob(models.JobTypeDocumentSummary, models.PriorityNormal, now)
	exhausted.Attempts = 2
	for _, j := range []models.Job{retry, exhausted} {
		_, _, err := store.CreateJob(ctx, j)
		require.NoError(t, err)
	}
	claimed, err := store.ClaimJobs(ctx, interfaces.ClaimRequest{Type: models.JobTypeDocumentSummary, Owner: "gone", MaxBatch: 2, LockLifetime: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, retry.ID, claimed[0].ID)
	_, err = store.UpdateProgress(ctx, retry.ID, claimed[0].LockOwner, 55, now)
	require.NoError(t, err)

	result, err := store.ExpireLeases(ctx, now.Add(30*time.Second), 3)
	require.NoError(t, err)
	assert.Empty(t, result.Reset, "leases still valid")
	assert.Empty(t, result.Failed)

	later := now.Add(2 * time.Minute)
	result, err = store.ExpireLeases(ctx, later, 3)
	require.NoError(t, err)
	require.Len(t, result.Reset, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, retry.ID, result.Reset[0].ID)
	assert.Equal(t, exhausted.ID, result.Failed[0].ID)

	reset, err := store.GetJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reset.Progress)
	assert.Nil(t, reset.LockedAt)
	assert.True(t, reset.IsClaimable(later))

	failed, err := store.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status(later))
	assert.Equal(t, "lease expired", failed.FailReason)
}

func TestLeaseOperations_RejectEarlierClaimOfSameOwner(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	job := newJob(models.JobTypeDeepResearch, models.PriorityNormal, now)
	_, _, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	req := interfaces.ClaimRequest{Type: job.Type, Owner: "w1", MaxBatch: 1, LockLifetime: time.Minute, Now: now}

	first, err := store.ClaimJobs(ctx, req)
	require.NoError(t, err)
	require.Len(t, first, 1)

	later := now.Add(2 * time.Minute)
	_, err = store.ExpireLeases(ctx, later, 3)
	require.NoError(t, err)
	req.Now = later
	second, err := store.ClaimJobs(ctx, req)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, models.LeaseToken("w1", 2), second[0].LockOwner)

	stale := first[0].LockOwner
	_, err = store.Heartbeat(ctx, job.ID, stale, later)
	assert.True(t, errors.Is(err, models.ErrLeaseLost))
	_, err = store.UpdateProgress(ctx, job.ID, stale, 80, later)
	assert.True(t, errors.Is(err, models.ErrLeaseLost))
	_, err = store.ReleaseJob(ctx, job.ID, stale, interfaces.Release{Outcome: interfaces.OutcomeFailed, Reason: "stale"}, later)
	assert.True(t, errors.Is(err, models.ErrLeaseLost))

	renewed, err := store.Heartbeat(ctx, job.ID, second[0].LockOwner, later)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed.Progress)
	assert.Empty(t, renewed.FailReason)
}

func TestQueryJobs_Pagination(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, _, err := store.CreateJob(ctx, newJob(models.JobTypeDeepResearch, models.PriorityNormal, now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	page, err := store.QueryJobs(ctx, interfaces.JobQuery{Type: models.JobTypeDeepResearch, Limit: 2, Offset: 1}, now)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

	pending, err := store.CountJobs(ctx, interfaces.JobQuery{Status: models.JobStatusPending}, now)
	require.NoError(t, err)
	assert.Equal(t, 5, pending)
}
