package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

// Service owns JobMetric records and implements interfaces.CostTracker.
// Writes are best-effort: failures are logged and never returned to the job.
type Service struct {
	storage      interfaces.MetricStorage
	jobs         interfaces.JobStorage
	eventService interfaces.EventService
	threshold    float64
	logger       arbor.ILogger
	now          func() time.Time
}

var _ interfaces.CostTracker = (*Service)(nil)

// NewService creates the cost tracker. A threshold <= 0 disables cost alerts.
func NewService(storage interfaces.MetricStorage, jobs interfaces.JobStorage, eventService interfaces.EventService, threshold float64, logger arbor.ILogger) *Service {
	return &Service{
		storage:      storage,
		jobs:         jobs,
		eventService: eventService,
		threshold:    threshold,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create writes the companion metric of a freshly enqueued job
func (s *Service) Create(ctx context.Context, job models.Job) {
	if err := s.storage.SaveMetric(ctx, models.NewJobMetric(job, s.now())); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to create job metric")
	}
}

// Start marks the metric running
func (s *Service) Start(ctx context.Context, jobID string) {
	now := s.now()
	s.update(ctx, jobID, "start", func(m models.JobMetric) models.JobMetric {
		return m.WithStarted(now)
	})
}

// Record adds delta to the running totals
func (s *Service) Record(ctx context.Context, jobID string, delta models.UsageDelta) {
	s.update(ctx, jobID, "record", func(m models.JobMetric) models.JobMetric {
		return m.WithDelta(delta)
	})
}

// Finish writes the final status and authoritative totals
func (s *Service) Finish(ctx context.Context, jobID string, status models.JobStatus, totals models.UsageDelta, duration time.Duration, errorMessage string) {
	now := s.now()
	s.update(ctx, jobID, "finish", func(m models.JobMetric) models.JobMetric {
		return m.WithFinished(status, totals, duration, errorMessage, now)
	})

	s.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(status)).
		Float64("cost_usd", totals.Cost).
		Int64("tokens", totals.Tokens).
		Int("api_calls", totals.APICalls).
		Msg("Job metric finalized")
}

// MarkTerminal closes the metric of a job that ended without a run to report totals.
// The partial cost already recorded is kept.
func (s *Service) MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, errorMessage string) {
	now := s.now()
	s.update(ctx, jobID, "terminal", func(m models.JobMetric) models.JobMetric {
		return m.WithTerminal(status, errorMessage, now)
	})

	s.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(status)).
		Msg("Job metric closed")
}

func (s *Service) update(ctx context.Context, jobID, op string, fn func(models.JobMetric) models.JobMetric) {
	_, err := s.storage.UpdateMetric(ctx, jobID, fn)
	if err == nil {
		return
	}

	// A metric missing because its create failed is recreated from the job so totals are not lost
	if errors.Is(err, models.ErrMetricNotFound) && s.jobs != nil {
		job, jobErr := s.jobs.GetJob(ctx, jobID)
		if jobErr == nil {
			metric := fn(models.NewJobMetric(*job, s.now()))
			if saveErr := s.storage.SaveMetric(ctx, metric); saveErr == nil {
				return
			}
		}
	}

	s.logger.Warn().Err(err).Str("job_id", jobID).Str("op", op).Msg("Failed to update job metric")
}

// AlertIfOverThreshold records a CostAlert and emits cost_alert when cost exceeds the threshold
func (s *Service) AlertIfOverThreshold(ctx context.Context, jobID string, jobType models.JobType, cost float64) bool {
	if s.threshold <= 0 || cost <= s.threshold {
		return false
	}

	alert := models.NewCostAlert(jobID, jobType, cost, s.threshold, s.now())
	if err := s.storage.SaveCostAlert(ctx, alert); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to save cost alert")
	}

	s.logger.Warn().
		Str("job_id", jobID).
		Str("job_type", string(jobType)).
		Float64("cost_usd", cost).
		Float64("threshold_usd", s.threshold).
		Msg("Job cost exceeded alert threshold")

	if s.eventService != nil {
		event := models.Event{
			Type: models.EventCostAlert,
			Payload: map[string]interface{}{
				"jobId":     jobID,
				"cost":      cost,
				"threshold": s.threshold,
			},
		}
		if err := s.eventService.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish cost alert")
		}
	}
	return true
}

// Get returns the metric of a job
func (s *Service) Get(ctx context.Context, jobID string) (*models.JobMetric, error) {
	return s.storage.GetMetric(ctx, jobID)
}

// Alerts lists cost alerts, all of them when jobID is empty
func (s *Service) Alerts(ctx context.Context, jobID string) ([]models.CostAlert, error) {
	return s.storage.ListCostAlerts(ctx, jobID)
}

// Summary aggregates every metric matching filter
func (s *Service) Summary(ctx context.Context, filter models.MetricFilter) (models.MetricSummary, error) {
	metrics, err := s.storage.ListMetrics(ctx, filter)
	if err != nil {
		return models.MetricSummary{}, fmt.Errorf("failed to list metrics: %w", err)
	}
	return summarize(metrics), nil
}

// ByType aggregates metrics matching filter per job type
func (s *Service) ByType(ctx context.Context, filter models.MetricFilter) (map[models.JobType]models.MetricSummary, error) {
	metrics, err := s.storage.ListMetrics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	groups := map[models.JobType][]models.JobMetric{}
	for _, m := range metrics {
		groups[m.JobType] = append(groups[m.JobType], m)
	}
	out := make(map[models.JobType]models.MetricSummary, len(groups))
	for jobType, group := range groups {
		out[jobType] = summarize(group)
	}
	return out, nil
}

// ByStatus aggregates metrics matching filter per status
func (s *Service) ByStatus(ctx context.Context, filter models.MetricFilter) (map[models.JobStatus]models.MetricSummary, error) {
	metrics, err := s.storage.ListMetrics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	groups := map[models.JobStatus][]models.JobMetric{}
	for _, m := range metrics {
		groups[m.Status] = append(groups[m.Status], m)
	}
	out := make(map[models.JobStatus]models.MetricSummary, len(groups))
	for status, group := range groups {
		out[status] = summarize(group)
	}
	return out, nil
}

// Percentiles returns nearest-rank cost percentiles over metrics matching filter
func (s *Service) Percentiles(ctx context.Context, filter models.MetricFilter) (models.CostPercentiles, error) {
	metrics, err := s.storage.ListMetrics(ctx, filter)
	if err != nil {
		return models.CostPercentiles{}, fmt.Errorf("failed to list metrics: %w", err)
	}
	costs := make([]float64, 0, len(metrics))
	for _, m := range metrics {
		costs = append(costs, m.CostUSD)
	}
	return percentiles(costs), nil
}

// Prune deletes metrics created before olderThan whose job no longer exists
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	metrics, err := s.storage.ListMetrics(ctx, models.MetricFilter{Until: olderThan})
	if err != nil {
		return 0, fmt.Errorf("failed to list metrics for pruning: %w", err)
	}

	pruned := 0
	for _, m := range metrics {
		if _, err := s.jobs.GetJob(ctx, m.JobID); err == nil {
			continue
		} else if !errors.Is(err, models.ErrJobNotFound) {
			return pruned, fmt.Errorf("failed to check job %s: %w", m.JobID, err)
		}
		if err := s.storage.DeleteMetric(ctx, m.JobID); err != nil {
			return pruned, fmt.Errorf("failed to delete metric %s: %w", m.JobID, err)
		}
		pruned++
	}

	if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Str("older_than", olderThan.Format(time.RFC3339)).Msg("Pruned orphaned job metrics")
	}
	return pruned, nil
}

func summarize(metrics []models.JobMetric) models.MetricSummary {
	var summary models.MetricSummary
	var totalDuration int64
	for _, m := range metrics {
		summary.Count++
		summary.TotalCost += m.CostUSD
		summary.TotalTokens += m.TokensUsed
		summary.APICalls += m.APICalls
		totalDuration += m.DurationMs
	}
	if summary.Count > 0 {
		summary.AvgCost = summary.TotalCost / float64(summary.Count)
		summary.AvgDuration = float64(totalDuration) / float64(summary.Count)
	}
	return summary
}

func percentiles(costs []float64) models.CostPercentiles {
	if len(costs) == 0 {
		return models.CostPercentiles{}
	}
	sorted := append([]float64(nil), costs...)
	sort.Float64s(sorted)
	return models.CostPercentiles{
		P50: nearestRank(sorted, 50),
		P90: nearestRank(sorted, 90),
		P99: nearestRank(sorted, 99),
	}
}

// nearestRank picks the ceil(p/100*n)-th smallest value
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
