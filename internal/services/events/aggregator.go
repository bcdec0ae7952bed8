package events

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
	"golang.org/x/time/rate"
)

// ProgressThrottle limits job_progress events per job.
// Events pass:
// - at most once every interval per job
// - always when progress reaches 100
// - always for every other event type
// Terminal events drop the job's tracking state.
type ProgressThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter // job_id -> limiter
	dropped  int
	logger   arbor.ILogger
}

// NewProgressThrottle creates a throttle. An interval <= 0 lets everything through.
func NewProgressThrottle(interval time.Duration, logger arbor.ILogger) *ProgressThrottle {
	return &ProgressThrottle{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Allow reports whether event should be delivered
func (t *ProgressThrottle) Allow(event models.Event) bool {
	jobID := event.JobID()

	if event.Type.IsTerminal() {
		t.Cleanup(jobID)
		return true
	}
	if event.Type != models.EventJobProgress || t.interval <= 0 || jobID == "" {
		return true
	}
	if progress, ok := payloadInt(event.Payload, "progress"); ok && progress >= 100 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	limiter, exists := t.limiters[jobID]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[jobID] = limiter
	}
	if limiter.Allow() {
		return true
	}
	t.dropped++
	return false
}

// Cleanup removes tracking data for a job
func (t *ProgressThrottle) Cleanup(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, jobID)
}

// Dropped returns how many progress events were suppressed
func (t *ProgressThrottle) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func payloadInt(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
