package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

// Lease is a held job lease kept alive by a heartbeat goroutine.
// Lost and CancelRequested are safe to poll from the executing goroutine.
type Lease struct {
	JobID string
	// Token identifies the claim this lease renews
	Token string

	service  *JobService
	logger   arbor.ILogger
	interval time.Duration

	lost            atomic.Bool
	cancelRequested atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// KeepAlive starts renewing the lease on job every lifetime/3 until Stop is called
// or the lease is lost.
func (s *JobService) KeepAlive(ctx context.Context, job *models.Job) *Lease {
	interval := job.LockLifetime / 3
	if interval <= 0 {
		interval = s.config.Lifetime(job.Type) / 3
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	lease := &Lease{
		JobID:    job.ID,
		Token:    job.LockOwner,
		service:  s,
		logger:   s.logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	lease.cancelRequested.Store(job.CancelRequested)

	common.SafeGoTracked(&lease.wg, s.logger, "lease-heartbeat-"+job.ID, func() {
		lease.run(ctx)
	})
	return lease
}

func (l *Lease) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			job, err := l.service.Heartbeat(ctx, l.JobID, l.Token)
			if err != nil {
				if errors.Is(err, models.ErrLeaseLost) || errors.Is(err, models.ErrJobNotFound) {
					l.lost.Store(true)
					l.logger.Warn().Err(err).Str("job_id", l.JobID).Msg("Lease lost - stopping heartbeat")
					return
				}
				// Transient store failures retry on the next tick while the lease is still valid
				l.logger.Warn().Err(err).Str("job_id", l.JobID).Msg("Heartbeat failed")
				continue
			}
			if job.CancelRequested {
				l.cancelRequested.Store(true)
			}
		}
	}
}

// Lost reports whether another worker may now own the job
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

// MarkLost records a lease loss observed outside the heartbeat
func (l *Lease) MarkLost() {
	l.lost.Store(true)
}

// CancelRequested reports whether a heartbeat observed a cancellation request
func (l *Lease) CancelRequested() bool {
	return l.cancelRequested.Load()
}

// Stop halts the heartbeat and waits for it to exit
func (l *Lease) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
