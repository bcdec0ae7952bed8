package models

import (
	"time"

	"github.com/google/uuid"
)

// JobMetric is the 1:1 cost and usage companion of a Job. It may outlive the job.
type JobMetric struct {
	JobID        string     `json:"job_id" badgerhold:"key"`
	JobType      JobType    `json:"job_type" badgerhold:"index"`
	Status       JobStatus  `json:"status" badgerhold:"index"`
	CostUSD      float64    `json:"cost_usd"`
	TokensUsed   int64      `json:"tokens_used"`
	APICalls     int        `json:"api_calls"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewJobMetric creates the companion metric for a freshly enqueued job.
func NewJobMetric(job Job, now time.Time) JobMetric {
	return JobMetric{
		JobID:     job.ID,
		JobType:   job.Type,
		Status:    job.Status(now),
		CreatedAt: now,
	}
}

// UsageDelta is an additive cost and usage increment.
type UsageDelta struct {
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
	APICalls int     `json:"api_calls"`
}

// Add returns the sum of two deltas.
func (d UsageDelta) Add(o UsageDelta) UsageDelta {
	return UsageDelta{
		Cost:     d.Cost + o.Cost,
		Tokens:   d.Tokens + o.Tokens,
		APICalls: d.APICalls + o.APICalls,
	}
}

// WithDelta returns the metric with delta added to its running totals.
func (m JobMetric) WithDelta(d UsageDelta) JobMetric {
	m.CostUSD += d.Cost
	m.TokensUsed += d.Tokens
	m.APICalls += d.APICalls
	return m
}

// WithStarted returns the metric marked running at now.
func (m JobMetric) WithStarted(now time.Time) JobMetric {
	m.Status = JobStatusRunning
	if m.StartedAt == nil {
		m.StartedAt = &now
	}
	return m
}

// WithFinished returns the metric with its authoritative final totals.
func (m JobMetric) WithFinished(status JobStatus, totals UsageDelta, duration time.Duration, errMsg string, now time.Time) JobMetric {
	m.Status = status
	m.CostUSD = totals.Cost
	m.TokensUsed = totals.Tokens
	m.APICalls = totals.APICalls
	m.DurationMs = duration.Milliseconds()
	m.ErrorMessage = errMsg
	m.CompletedAt = &now
	return m
}

// WithTerminal returns the metric closed with status while keeping the recorded totals.
// It serves terminal transitions that happen outside a run, such as a swept lease.
func (m JobMetric) WithTerminal(status JobStatus, errMsg string, now time.Time) JobMetric {
	m.Status = status
	m.ErrorMessage = errMsg
	if m.StartedAt != nil && m.DurationMs == 0 {
		m.DurationMs = now.Sub(*m.StartedAt).Milliseconds()
	}
	m.CompletedAt = &now
	return m
}

// CostAlert is an advisory record written when a job crosses the cost threshold.
type CostAlert struct {
	ID        string    `json:"id" badgerhold:"key"`
	JobID     string    `json:"job_id" badgerhold:"index"`
	JobType   JobType   `json:"job_type"`
	CostUSD   float64   `json:"cost_usd"`
	Threshold float64   `json:"threshold_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCostAlert builds an alert for a job that exceeded threshold.
func NewCostAlert(jobID string, jobType JobType, cost, threshold float64, now time.Time) CostAlert {
	return CostAlert{
		ID:        uuid.New().String(),
		JobID:     jobID,
		JobType:   jobType,
		CostUSD:   cost,
		Threshold: threshold,
		CreatedAt: now,
	}
}

// MetricFilter narrows metric aggregation queries. Zero values mean no constraint.
type MetricFilter struct {
	JobType JobType
	Status  JobStatus
	Since   time.Time
	Until   time.Time
}

// Matches reports whether m falls inside the filter.
func (f MetricFilter) Matches(m JobMetric) bool {
	if f.JobType != "" && m.JobType != f.JobType {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !m.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// MetricSummary is an aggregate over a set of metrics.
type MetricSummary struct {
	Count       int     `json:"count"`
	TotalCost   float64 `json:"total_cost_usd"`
	TotalTokens int64   `json:"total_tokens"`
	APICalls    int     `json:"api_calls"`
	AvgCost     float64 `json:"avg_cost_usd"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

// CostPercentiles are nearest-rank cost percentiles.
type CostPercentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}
